// Package tts turns a matched route identifier into a spoken announcement.
// Synthesis happens on a remote speech service; playback goes through a
// local command-line player so we work on headless devices.
package tts

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/routecall/routecall/pkg/requests"
	"github.com/routecall/routecall/pkg/shell"
)

type synthesizeRequest struct {
	Text string `json:"text"`
}

// AudioSink plays a synthesized audio clip. The default sink shells out to
// a player binary; tests substitute their own.
type AudioSink interface {
	Play(ctx context.Context, audio []byte) error
}

// PlayerSink plays audio by piping a temp file into a player command,
// eg "aplay" or "mpg123".
type PlayerSink struct {
	Command string
}

func (p *PlayerSink) Play(ctx context.Context, audio []byte) error {
	f, err := os.CreateTemp("", "announce-*.audio")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(audio); err != nil {
		f.Close()
		return err
	}
	f.Close()
	_, err = shell.RunCtx(ctx, p.Command, f.Name())
	return err
}

// Announcer synthesizes and plays announcements.
type Announcer struct {
	log  logs.Log
	url  string // Speech synthesis endpoint. Empty disables synthesis (we just log).
	sink AudioSink
}

func NewAnnouncer(log logs.Log, url string, sink AudioSink) *Announcer {
	return &Announcer{
		log:  log,
		url:  url,
		sink: sink,
	}
}

// Announce speaks the matched identifier. Failures are logged, never
// returned: a failed announcement must not unwind the recognition pipeline.
func (a *Announcer) Announce(ctx context.Context, identifier string) {
	text := SpokenForm(identifier)
	a.log.Infof("Announcing '%v'", text)
	if a.url == "" || a.sink == nil {
		return
	}
	audio, err := requests.RequestBytes(ctx, "POST", a.url, &synthesizeRequest{Text: text})
	if err != nil {
		a.log.Errorf("Speech synthesis failed: %v", err)
		return
	}
	if err := a.sink.Play(ctx, audio); err != nil {
		a.log.Errorf("Audio playback failed: %v", err)
	}
}

// SpokenForm expands a route identifier into something a speech engine
// reads naturally: digits and letters spoken individually, eg
// "382W" -> "Bus 3 8 2 W arriving".
func SpokenForm(identifier string) string {
	b := strings.Builder{}
	b.WriteString("Bus")
	for _, r := range identifier {
		fmt.Fprintf(&b, " %c", r)
	}
	b.WriteString(" arriving")
	return b.String()
}
