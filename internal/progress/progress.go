// Package progress renders a terminal progress bar for one-shot builds.
package progress

import (
	"github.com/schollz/progressbar/v3"
)

// Bar wraps a progress bar that is a no-op when disabled, so callers never
// need to nil-check.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New returns a bar counting up to max. A disabled bar renders nothing.
func New(max int, description string, enabled bool) *Bar {
	if !enabled {
		return &Bar{}
	}

	return &Bar{bar: progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *Bar) Add(n int) {
	if b != nil && b.bar != nil {
		_ = b.bar.Add(n)
	}
}

func (b *Bar) Finish() {
	if b != nil && b.bar != nil {
		_ = b.bar.Finish()
	}
}
