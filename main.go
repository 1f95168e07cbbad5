package main

import "github.com/moziai/mozi/cmd"

func main() {
	cmd.Execute()
}
