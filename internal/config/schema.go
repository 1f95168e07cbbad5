package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// schemaJSON constrains the configuration document. Unknown keys are
// allowed so older binaries tolerate configs written by newer ones.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "logging": {
      "type": "object",
      "properties": {
        "level": { "enum": ["debug", "info", "warn", "error"] },
        "format": { "enum": ["text", "json"] },
        "file": { "type": "string" }
      }
    },
    "paths": {
      "type": "object",
      "properties": {
        "base": { "type": "string" },
        "sessions": { "type": "string" },
        "agents": { "type": "string" },
        "secrets": { "type": "string" },
        "skills": { "type": "string" }
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "host": { "type": "string" },
        "port": { "type": "integer", "minimum": 0, "maximum": 65535 },
        "token": { "type": "string" },
        "allowedOrigins": { "$ref": "#/$defs/stringOrList" },
        "rateLimitPerMin": { "type": "integer", "minimum": 0 },
        "maxMessageChars": { "type": "integer", "minimum": 0 }
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "endpoint": { "type": "string" },
        "protocol": { "enum": ["grpc", "http"] },
        "insecure": { "type": "boolean" },
        "serviceName": { "type": "string" },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "runtime": {
      "type": "object",
      "properties": {
        "sanitizeToolSchema": { "type": "boolean" },
        "maxTotalBytes": { "type": "integer", "minimum": 0 },
        "auth": {
          "type": "object",
          "properties": {
            "defaultScope": { "enum": ["agent", "global"] },
            "masterKeyEnv": { "type": "string" }
          }
        }
      }
    },
    "models": {
      "type": "object",
      "properties": {
        "providers": { "type": "object", "additionalProperties": { "$ref": "#/$defs/provider" } },
        "catalog": { "type": "array", "items": { "$ref": "#/$defs/modelEntry" } }
      }
    },
    "agents": {
      "type": "object",
      "properties": {
        "defaults": { "$ref": "#/$defs/agent" },
        "list": { "type": "object", "additionalProperties": { "$ref": "#/$defs/agent" } }
      }
    },
    "channels": { "type": "object", "additionalProperties": { "$ref": "#/$defs/channel" } },
    "policies": {
      "type": "object",
      "properties": {
        "capabilities": { "$ref": "#/$defs/capabilities" }
      }
    }
  },
  "$defs": {
    "stringOrList": {
      "anyOf": [
        { "type": "string" },
        { "type": "array" }
      ]
    },
    "provider": {
      "type": "object",
      "properties": {
        "apiKey": { "type": "string" },
        "baseURL": { "type": "string" },
        "api": { "enum": ["anthropic-messages", "openai-completions", "google-generative-ai"] },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "modelEntry": {
      "type": "object",
      "required": ["provider", "model"],
      "properties": {
        "provider": { "type": "string", "minLength": 1 },
        "model": { "type": "string", "minLength": 1 },
        "api": { "enum": ["anthropic-messages", "openai-completions", "google-generative-ai"] },
        "baseURL": { "type": "string" },
        "reasoning": { "type": "boolean" },
        "input": { "$ref": "#/$defs/stringOrList" },
        "contextWindow": { "type": "integer", "minimum": 1 },
        "maxTokens": { "type": "integer", "minimum": 1 }
      }
    },
    "agent": {
      "type": "object",
      "properties": {
        "main": { "type": "boolean" },
        "displayName": { "type": "string" },
        "home": { "type": "string" },
        "workspace": { "type": "string" },
        "systemPrompt": { "type": "string" },
        "model": { "type": "string" },
        "fallbackModels": { "$ref": "#/$defs/stringOrList" },
        "imageModel": { "type": "string" },
        "imageFallbacks": { "$ref": "#/$defs/stringOrList" },
        "lifecycleModel": { "type": "string" },
        "lifecycleFallbacks": { "$ref": "#/$defs/stringOrList" },
        "thinkingLevel": { "enum": ["off", "low", "medium", "high"] },
        "timeoutSeconds": { "type": "integer", "minimum": 1 },
        "maxToolIterations": { "type": "integer", "minimum": 1 },
        "tools": { "$ref": "#/$defs/stringOrList" },
        "skills": { "$ref": "#/$defs/stringOrList" },
        "execAllowlist": { "$ref": "#/$defs/stringOrList" },
        "allowedSecrets": { "$ref": "#/$defs/stringOrList" },
        "subagents": {
          "type": "object",
          "properties": {
            "allow": { "$ref": "#/$defs/stringOrList" },
            "maxConcurrent": { "type": "integer", "minimum": 1 },
            "model": { "type": "string" }
          }
        },
        "sandbox": { "$ref": "#/$defs/sandbox" },
        "contextPruning": { "$ref": "#/$defs/contextPruning" },
        "compaction": { "$ref": "#/$defs/compaction" },
        "heartbeat": { "$ref": "#/$defs/heartbeat" }
      }
    },
    "sandbox": {
      "type": "object",
      "properties": {
        "mode": { "enum": ["off", "docker", "apple-vm"] },
        "image": { "type": "string" },
        "workspaceAccess": { "enum": ["none", "ro", "rw"] },
        "mounts": { "$ref": "#/$defs/stringOrList" },
        "env": { "type": "object", "additionalProperties": { "type": "string" } },
        "network": { "type": "boolean" },
        "autoBootstrap": { "type": "boolean" },
        "timeoutMs": { "type": "integer", "minimum": 1 },
        "maxOutputBytes": { "type": "integer", "minimum": 1 },
        "apple": {
          "type": "object",
          "properties": {
            "backend": { "enum": ["native", "vibebox"] },
            "vibebox": {
              "type": "object",
              "properties": {
                "enabled": { "type": "boolean" },
                "binPath": { "type": "string" },
                "provider": { "type": "string" },
                "projectRoot": { "type": "string" }
              }
            }
          }
        }
      }
    },
    "contextPruning": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "softTrimRatio": { "type": "number", "minimum": 0, "maximum": 1 },
        "hardClearRatio": { "type": "number", "minimum": 0, "maximum": 1 },
        "keepLastAssistants": { "type": "integer", "minimum": 0 },
        "minPrunableChars": { "type": "integer", "minimum": 0 },
        "softTrim": {
          "type": "object",
          "properties": {
            "maxChars": { "type": "integer", "minimum": 1 },
            "headChars": { "type": "integer", "minimum": 0 },
            "tailChars": { "type": "integer", "minimum": 0 }
          }
        },
        "hardClear": {
          "type": "object",
          "properties": {
            "enabled": { "type": "boolean" },
            "placeholder": { "type": "string" }
          }
        },
        "protectedTools": { "$ref": "#/$defs/stringOrList" }
      }
    },
    "compaction": {
      "type": "object",
      "properties": {
        "reserveTokensFloor": { "type": "integer", "minimum": 0 },
        "maxHistoryShare": { "type": "number", "minimum": 0, "maximum": 1 },
        "keepLastMessages": { "type": "integer", "minimum": 0 }
      }
    },
    "heartbeat": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "cron": { "type": "string" },
        "every": { "type": "string" },
        "prompt": { "type": "string" },
        "model": { "type": "string" },
        "activeHours": {
          "type": "object",
          "properties": {
            "start": { "type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$" },
            "end": { "type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$" },
            "timezone": { "type": "string" }
          }
        }
      }
    },
    "channel": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "historyLimit": {
          "type": "object",
          "properties": {
            "dm": { "type": "integer", "minimum": 0 },
            "group": { "type": "integer", "minimum": 0 }
          }
        },
        "capabilities": { "$ref": "#/$defs/capabilities" }
      }
    },
    "capabilities": {
      "type": "object",
      "properties": {
        "input": { "$ref": "#/$defs/modalityMap" },
        "output": { "$ref": "#/$defs/modalityMap" }
      }
    },
    "modalityMap": {
      "type": "object",
      "propertyNames": { "enum": ["text", "image", "audio", "video", "file"] },
      "additionalProperties": { "$ref": "#/$defs/modality" }
    },
    "modality": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "maxBytes": { "type": "integer", "minimum": 0 },
        "maxDurationMs": { "type": "integer", "minimum": 0 },
        "acceptedMimeTypes": { "$ref": "#/$defs/stringOrList" }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledConfig *jsonschema.Schema
	schemaCompile  error
	schemaPrinter  = message.NewPrinter(language.English)
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaCompile = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaCompile = fmt.Errorf("add config schema: %w", err)
			return
		}
		compiledConfig, schemaCompile = c.Compile("config.schema.json")
	})
	return compiledConfig, schemaCompile
}

// validateDocument checks a parsed document against the schema and
// returns one message per violation.
func validateDocument(doc map[string]interface{}) []string {
	sch, err := configSchema()
	if err != nil {
		return []string{err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return validationMessages(err)
	}
	return nil
}

func validationMessages(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, loc+": "+e.ErrorKind.LocalizedString(schemaPrinter))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	if len(out) == 0 {
		out = []string{ve.Error()}
	}
	return out
}
