package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/store"
)

// progressView renders sampling progress of one job: a bar on terminals,
// plain lines otherwise.
type progressView struct {
	out  io.Writer
	tty  bool
	bar  *progressbar.ProgressBar
	node string
	max  int
	last string
}

func newProgressView(out io.Writer) *progressView {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &progressView{out: out, tty: tty}
}

// handlers returns the event callbacks that drive the view.
func (p *progressView) handlers() *client.EventHandlers {
	h := (&client.EventHandlers{
		OnStarted: func(ev client.Event) {
			fmt.Fprintf(p.out, "started prompt %s\n", ev.PromptID)
		},
		OnExecuting: func(ev client.Event) {
			p.finishBar()
			p.node = ev.Node
		},
	}).
		WithProgressHandler(p.progress).
		WithArtifactHandler(func(ev client.Event) {
			p.finishBar()
			if ev.Output != nil {
				fmt.Fprintf(p.out, "artifact %s\n", ev.Output.Filename)
			}
		}).
		WithCompleteHandler(p.finishBar)
	return h
}

func (p *progressView) progress(ev client.Event) {
	if ev.Max <= 0 {
		return
	}
	if !p.tty {
		line := fmt.Sprintf("node %s: %d/%d", ev.Node, ev.Value, ev.Max)
		if line != p.last {
			fmt.Fprintln(p.out, line)
			p.last = line
		}
		return
	}
	if p.bar == nil || p.max != ev.Max {
		p.finishBar()
		p.max = ev.Max
		p.bar = progressbar.NewOptions(ev.Max,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription("node "+p.node),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(ev.Value)
}

// job renders progress from a polled job snapshot.
func (p *progressView) job(job *store.Job) {
	if job.Progress.Node != "" && job.Progress.Node != p.node {
		p.finishBar()
		p.node = job.Progress.Node
	}
	p.progress(client.Event{Node: job.Progress.Node, Value: job.Progress.Value, Max: job.Progress.Max})
}

func (p *progressView) finishBar() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
		p.max = 0
	}
}
