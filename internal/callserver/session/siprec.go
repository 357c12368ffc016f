package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
)

const (
	contentTypeSDP        = "application/sdp"
	contentTypeRSMetadata = "application/rs-metadata+xml"
)

// ErrNotSipRec is returned when an offer does not carry two audio streams.
var ErrNotSipRec = errors.New("offer is not a two-stream recording session")

// IsSipRec reports whether an INVITE with the given content type, body and
// headers opens a recording session.
func IsSipRec(contentType, body string, headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Require") && strings.Contains(strings.ToLower(v), "siprec") {
			return true
		}
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return false
	}
	mr := multipart.NewReader(strings.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			return false
		}
		if strings.HasPrefix(part.Header.Get("Content-Type"), contentTypeRSMetadata) {
			return true
		}
	}
}

// ExtractSDP returns the SDP part of a possibly multipart body.
func ExtractSDP(contentType, body string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse content type: %w", err)
	}
	if mediaType == contentTypeSDP {
		return body, nil
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("unsupported content type %s", mediaType)
	}

	mr := multipart.NewReader(strings.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", errors.New("no SDP part in multipart body")
		}
		if err != nil {
			return "", fmt.Errorf("read multipart body: %w", err)
		}
		if !strings.HasPrefix(part.Header.Get("Content-Type"), contentTypeSDP) {
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return "", fmt.Errorf("read SDP part: %w", err)
		}
		return string(data), nil
	}
}

// OfferSDP returns the SDP of a mid-dialog offer. Recording clients repeat
// the multipart body of their initial INVITE, so a body opening with a
// boundary delimiter is unpacked by that boundary.
func OfferSDP(body string) (string, error) {
	trimmed := strings.TrimLeft(body, "\r\n")
	if !strings.HasPrefix(trimmed, "--") {
		return body, nil
	}
	line, _, _ := strings.Cut(trimmed, "\n")
	boundary := strings.TrimSpace(strings.TrimPrefix(line, "--"))
	if boundary == "" {
		return "", errors.New("multipart body without boundary")
	}
	return ExtractSDP(mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary}), trimmed)
}

// SplitOffer splits a two-stream offer into two single-stream offers and
// returns the label of each stream.
func SplitOffer(offer string) ([]string, []string, error) {
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(offer)); err != nil {
		return nil, nil, fmt.Errorf("parse SDP: %w", err)
	}

	var audio []*psdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = append(audio, md)
		}
	}
	if len(audio) != 2 {
		return nil, nil, fmt.Errorf("%w: %d audio streams", ErrNotSipRec, len(audio))
	}

	offers := make([]string, 0, 2)
	labels := make([]string, 0, 2)
	for i, md := range audio {
		single := *sd
		single.MediaDescriptions = []*psdp.MediaDescription{md}
		data, err := single.Marshal()
		if err != nil {
			return nil, nil, fmt.Errorf("marshal stream %d: %w", i, err)
		}
		offers = append(offers, string(data))

		label, ok := md.Attribute("label")
		if !ok {
			label = fmt.Sprint(i + 1)
		}
		labels = append(labels, label)
	}
	return offers, labels, nil
}

// CombineAnswers merges single-stream answers into one SDP answer, tagging
// each stream with its label.
func CombineAnswers(labels []string, answers ...string) (string, error) {
	if len(answers) == 0 {
		return "", errors.New("no answers to combine")
	}

	var combined *psdp.SessionDescription
	for i, answer := range answers {
		sd := &psdp.SessionDescription{}
		if err := sd.Unmarshal([]byte(answer)); err != nil {
			return "", fmt.Errorf("parse answer %d: %w", i, err)
		}
		if combined == nil {
			combined = sd
			combined.MediaDescriptions = nil
		}
		for _, md := range sd.MediaDescriptions {
			if md.ConnectionInformation == nil && sd.ConnectionInformation != nil {
				ci := *sd.ConnectionInformation
				md.ConnectionInformation = &ci
			}
			if i < len(labels) {
				if _, ok := md.Attribute("label"); !ok {
					md = md.WithValueAttribute("label", labels[i])
				}
			}
			combined.MediaDescriptions = append(combined.MediaDescriptions, md)
		}
	}

	data, err := combined.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal combined answer: %w", err)
	}
	return string(data), nil
}

// sipRecEndpoint presents the two stream endpoints of a recording session as
// one endpoint.
type sipRecEndpoint struct {
	streams  [2]resource.Endpoint
	labels   []string
	localSDP string
}

func (e *sipRecEndpoint) ID() string {
	return e.streams[0].ID() + "," + e.streams[1].ID()
}

func (e *sipRecEndpoint) LocalSDP() string { return e.localSDP }

func (e *sipRecEndpoint) Connected() bool {
	return e.streams[0].Connected() && e.streams[1].Connected()
}

func (e *sipRecEndpoint) Destroy(ctx context.Context) error {
	return errors.Join(e.streams[1].Destroy(ctx), e.streams[0].Destroy(ctx))
}

// Modify reapplies a renegotiated two-stream offer to each stream and
// recombines the answers.
func (e *sipRecEndpoint) Modify(ctx context.Context, remoteSDP string) (string, error) {
	offers, labels, err := SplitOffer(remoteSDP)
	if err != nil {
		return "", err
	}
	answers := make([]string, 2)
	for i := range e.streams {
		answers[i], err = e.streams[i].Modify(ctx, offers[i])
		if err != nil {
			return "", fmt.Errorf("modify stream %s: %w", labels[i], err)
		}
	}
	combined, err := CombineAnswers(labels, answers...)
	if err != nil {
		return "", err
	}
	e.labels = labels
	e.localSDP = combined
	return combined, nil
}

func (e *sipRecEndpoint) Play(ctx context.Context, req resource.PlayRequest) error {
	return e.streams[0].Play(ctx, req)
}

func (e *sipRecEndpoint) Say(ctx context.Context, req resource.SayRequest) error {
	return e.streams[0].Say(ctx, req)
}

func (e *sipRecEndpoint) Mute(ctx context.Context, mute bool) error {
	return errors.Join(e.streams[0].Mute(ctx, mute), e.streams[1].Mute(ctx, mute))
}

// Fork streams both recorded legs, each tagged with its label.
func (e *sipRecEndpoint) Fork(ctx context.Context, cmd resource.ForkCommand) error {
	var errs []error
	for i, ep := range e.streams {
		c := cmd
		c.Metadata = make(map[string]any, len(cmd.Metadata)+1)
		for k, v := range cmd.Metadata {
			c.Metadata[k] = v
		}
		if i < len(e.labels) {
			c.Metadata["label"] = e.labels[i]
		}
		errs = append(errs, ep.Fork(ctx, c))
	}
	return errors.Join(errs...)
}

func (e *sipRecEndpoint) Bridge(ctx context.Context, other resource.Endpoint) error {
	return e.streams[0].Bridge(ctx, other)
}

func (e *sipRecEndpoint) Unbridge(ctx context.Context) error {
	return e.streams[0].Unbridge(ctx)
}

type sipRecVariant struct {
	inboundVariant
	offer string
}

func (*sipRecVariant) Kind() Kind { return KindSipRec }

func (v *sipRecVariant) createEndpoint(ctx context.Context, s *CallSession, ms resource.MediaSession, _ string) (resource.Endpoint, error) {
	offers, labels, err := SplitOffer(v.offer)
	if err != nil {
		return nil, err
	}

	first, err := ms.CreateEndpoint(ctx, offers[0])
	if err != nil {
		return nil, fmt.Errorf("create endpoint for %s: %w", labels[0], err)
	}
	second, err := ms.CreateEndpoint(ctx, offers[1])
	if err != nil {
		_ = first.Destroy(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("create endpoint for %s: %w", labels[1], err)
	}

	combined, err := CombineAnswers(labels, first.LocalSDP(), second.LocalSDP())
	if err != nil {
		_ = second.Destroy(context.WithoutCancel(ctx))
		_ = first.Destroy(context.WithoutCancel(ctx))
		return nil, err
	}

	s.logger.Info("[Session] Recording session endpoints created",
		"labels", strings.Join(labels, ","),
	)
	return &sipRecEndpoint{
		streams:  [2]resource.Endpoint{first, second},
		labels:   labels,
		localSDP: combined,
	}, nil
}

// NewSipRec creates the session for an inbound recording call. The offer
// must carry exactly two audio streams.
func NewSipRec(cfg Config, info *callinfo.CallInfo, leg resource.InboundLeg, tasks []task.Task) (*CallSession, error) {
	contentType := contentTypeSDP
	for k, v := range leg.Headers() {
		if strings.EqualFold(k, "Content-Type") {
			contentType = v
		}
	}
	offer, err := ExtractSDP(contentType, leg.RemoteSDP())
	if err != nil {
		return nil, err
	}
	if _, _, err := SplitOffer(offer); err != nil {
		return nil, err
	}
	return newSession(cfg, &sipRecVariant{offer: offer}, info, leg, tasks), nil
}
