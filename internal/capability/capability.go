// Package capability negotiates what actually gets sent to a provider:
// the intersection of channel, provider, and policy limits per modality,
// with text stand-ins and image downscaling as fallbacks.
package capability

import (
	"fmt"
	"strings"

	"github.com/moziai/mozi/internal/config"
)

// Modality names shared with config capability tables.
const (
	ModalityText  = "text"
	ModalityImage = "image"
	ModalityAudio = "audio"
	ModalityVideo = "video"
	ModalityFile  = "file"
)

// Transform kinds recorded on a DeliveryPlan.
const (
	TransformTextStandin = "text-standin"
	TransformDownscale   = "downscale"
	TransformSummarize   = "summarize"
)

// Limits bound one modality in one direction for one profile. Zero
// numeric fields mean unbounded; a nil mime list accepts anything.
type Limits struct {
	Enabled           bool
	MaxBytes          int64
	MaxDurationMs     int64
	AcceptedMimeTypes []string
}

// Profile is one party's capability table. A missing modality entry
// means no opinion: enabled and unbounded.
type Profile struct {
	Input  map[string]Limits
	Output map[string]Limits
}

func (p Profile) input(modality string) Limits {
	if l, ok := p.Input[modality]; ok {
		return l
	}
	return Limits{Enabled: true}
}

func (p Profile) output(modality string) Limits {
	if l, ok := p.Output[modality]; ok {
		return l
	}
	return Limits{Enabled: true}
}

// ProfileFromSpec converts a config capability table. nil means no
// restrictions at all.
func ProfileFromSpec(spec *config.CapabilitySpec) Profile {
	if spec == nil {
		return Profile{}
	}
	return Profile{
		Input:  limitsFromSpec(spec.Input),
		Output: limitsFromSpec(spec.Output),
	}
}

func limitsFromSpec(m map[string]config.ModalityLimitSpec) map[string]Limits {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]Limits, len(m))
	for name, spec := range m {
		l := Limits{
			Enabled:       spec.Enabled == nil || *spec.Enabled,
			MaxBytes:      spec.MaxBytes,
			MaxDurationMs: spec.MaxDurationMs,
		}
		if len(spec.AcceptedMimeTypes) > 0 {
			l.AcceptedMimeTypes = append([]string(nil), spec.AcceptedMimeTypes...)
		}
		out[name] = l
	}
	return out
}

// Part is one content unit bound for the provider.
type Part struct {
	Modality   string
	MimeType   string
	SizeBytes  int64
	DurationMs int64
	Text       string
	Data       []byte
	Name       string
}

// Transform records one adaptation applied while planning.
type Transform struct {
	Part   int    `json:"part"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// DeliveryPlan is the negotiated provider input and output selection.
type DeliveryPlan struct {
	Parts      []Part
	Outputs    []string
	Transforms []Transform
	TotalBytes int64
}

// RejectionError reports why no delivery plan could be built.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Request carries everything Negotiate needs.
type Request struct {
	Parts            []Part
	OutputModalities []string
	Channel          Profile
	Provider         Profile
	Policy           Profile
	// MaxTotalBytes caps the summed provider-bound part sizes. 0 means
	// uncapped.
	MaxTotalBytes   int64
	LatencyBudgetMs int64
}

// Negotiate maps requested parts through the effective limits and
// selects output modalities. It returns a RejectionError when no plan
// satisfies the profiles.
func Negotiate(req Request) (*DeliveryPlan, error) {
	plan := &DeliveryPlan{}

	for i, part := range req.Parts {
		eff := effectiveInput(part.Modality, req)
		reason := checkPart(part, eff)
		if reason == "" {
			plan.Parts = append(plan.Parts, part)
			continue
		}
		mapped, tf, err := fallbackPart(i, part, eff, reason, req)
		if err != nil {
			return nil, err
		}
		plan.Parts = append(plan.Parts, mapped)
		plan.Transforms = append(plan.Transforms, tf)
	}

	for _, p := range plan.Parts {
		plan.TotalBytes += p.SizeBytes
	}
	if req.MaxTotalBytes > 0 && plan.TotalBytes > req.MaxTotalBytes {
		return nil, &RejectionError{Reason: "Provider input exceeds maxTotalBytes"}
	}

	outputs, tf, err := selectOutputs(req)
	if err != nil {
		return nil, err
	}
	plan.Outputs = outputs
	if tf != nil {
		plan.Transforms = append(plan.Transforms, *tf)
	}
	return plan, nil
}

// effectiveInput intersects the three profiles for one input modality.
func effectiveInput(modality string, req Request) Limits {
	return intersectLimits(
		req.Channel.input(modality),
		req.Provider.input(modality),
		req.Policy.input(modality),
	)
}

// effectiveOutput intersects the three profiles for one output modality.
func effectiveOutput(modality string, req Request) Limits {
	return intersectLimits(
		req.Channel.output(modality),
		req.Provider.output(modality),
		req.Policy.output(modality),
	)
}

func intersectLimits(limits ...Limits) Limits {
	out := Limits{Enabled: true}
	for _, l := range limits {
		if !l.Enabled {
			out.Enabled = false
		}
		out.MaxBytes = minDefined(out.MaxBytes, l.MaxBytes)
		out.MaxDurationMs = minDefined(out.MaxDurationMs, l.MaxDurationMs)
		out.AcceptedMimeTypes = intersectMimes(out.AcceptedMimeTypes, l.AcceptedMimeTypes)
	}
	return out
}

// minDefined treats zero as undefined.
func minDefined(a, b int64) int64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// intersectMimes treats nil as "accept anything". The intersection of
// two non-nil lists may legitimately be an empty, non-nil list.
func intersectMimes(a, b []string) []string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := []string{}
	for _, m := range a {
		for _, n := range b {
			if strings.EqualFold(m, n) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// checkPart returns an empty string when the part passes, or the
// failure reason.
func checkPart(part Part, eff Limits) string {
	if !eff.Enabled {
		return fmt.Sprintf("%s input is disabled", part.Modality)
	}
	if !mimeAccepted(part.MimeType, eff.AcceptedMimeTypes) {
		return fmt.Sprintf("%s type %s is not accepted", part.Modality, part.MimeType)
	}
	if eff.MaxDurationMs > 0 && part.DurationMs > eff.MaxDurationMs {
		return fmt.Sprintf("%s duration %dms exceeds limit %dms", part.Modality, part.DurationMs, eff.MaxDurationMs)
	}
	if eff.MaxBytes > 0 && part.SizeBytes > eff.MaxBytes {
		return fmt.Sprintf("%s size %d exceeds limit %d bytes", part.Modality, part.SizeBytes, eff.MaxBytes)
	}
	return ""
}

// mimeAccepted matches case-insensitively; "image/*" style entries
// accept the whole type.
func mimeAccepted(mime string, accepted []string) bool {
	if accepted == nil || mime == "" {
		return true
	}
	for _, a := range accepted {
		if strings.EqualFold(a, mime) {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok {
			if t, _, found := strings.Cut(mime, "/"); found && strings.EqualFold(t, prefix) {
				return true
			}
		}
	}
	return false
}

// exceedsBytesOnly reports whether a part's only failure is byte size,
// which makes it a downscale candidate.
func exceedsBytesOnly(part Part, eff Limits) bool {
	return eff.Enabled &&
		mimeAccepted(part.MimeType, eff.AcceptedMimeTypes) &&
		(eff.MaxDurationMs <= 0 || part.DurationMs <= eff.MaxDurationMs) &&
		eff.MaxBytes > 0 && part.SizeBytes > eff.MaxBytes
}

// fallbackPart maps a failing part to its replacement: a downscaled
// image when only bytes are over, otherwise a text stand-in.
func fallbackPart(idx int, part Part, eff Limits, reason string, req Request) (Part, Transform, error) {
	if part.Modality == ModalityImage && len(part.Data) > 0 && exceedsBytesOnly(part, eff) {
		data, outMime, err := DownscaleToFit(part.Data, eff.MaxBytes)
		if err == nil {
			mapped := Part{
				Modality:  ModalityImage,
				MimeType:  outMime,
				SizeBytes: int64(len(data)),
				Data:      data,
				Name:      part.Name,
			}
			return mapped, Transform{Part: idx, Kind: TransformDownscale, Reason: reason}, nil
		}
	}

	if part.Modality == ModalityText {
		return Part{}, Transform{}, &RejectionError{Reason: "text input rejected: " + reason}
	}

	standin := textStandin(part.Modality)
	mapped := Part{
		Modality:  ModalityText,
		Text:      standin,
		SizeBytes: int64(len(standin)),
	}
	if r := checkPart(mapped, effectiveInput(ModalityText, req)); r != "" {
		return Part{}, Transform{}, &RejectionError{
			Reason: fmt.Sprintf("%s; text stand-in rejected: %s", reason, r),
		}
	}
	return mapped, Transform{Part: idx, Kind: TransformTextStandin, Reason: reason}, nil
}

func textStandin(modality string) string {
	return fmt.Sprintf("[%s omitted: no compatible %s pipeline available]", modality, modality)
}

// selectOutputs intersects the requested output modalities with what the
// profiles enable. An empty request means text.
func selectOutputs(req Request) ([]string, *Transform, error) {
	requested := req.OutputModalities
	if len(requested) == 0 {
		requested = []string{ModalityText}
	}
	var outputs []string
	for _, m := range requested {
		if effectiveOutput(m, req).Enabled {
			outputs = append(outputs, m)
		}
	}
	if len(outputs) > 0 {
		return outputs, nil, nil
	}
	if effectiveOutput(ModalityText, req).Enabled {
		tf := &Transform{Part: -1, Kind: TransformSummarize, Reason: "no requested output modality available"}
		return []string{ModalityText}, tf, nil
	}
	return nil, nil, &RejectionError{Reason: "no compatible output modality"}
}
