package voice

import (
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

// Ambient is the on/off contract for background waiting music. The
// orchestrator flips it from the relay loop; how the music is produced is
// the implementation's business.
type Ambient interface {
	Start()
	Stop()
	Playing() bool
}

// NopAmbient is an Ambient that only tracks state. Used when no music is
// configured and in tests.
type NopAmbient struct {
	mu      sync.Mutex
	playing bool
}

func (n *NopAmbient) Start() {
	n.mu.Lock()
	n.playing = true
	n.mu.Unlock()
}

func (n *NopAmbient) Stop() {
	n.mu.Lock()
	n.playing = false
	n.mu.Unlock()
}

func (n *NopAmbient) Playing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playing
}

// PlayerAmbient loops a music file through an external player process.
// Start spawns the player, Stop kills it. Crashed players are noticed on
// the next Start.
type PlayerAmbient struct {
	command []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewPlayerAmbient builds an Ambient around a player command line, e.g.
// {"mpv", "--no-video", "--loop=inf", "music.ogg"}.
func NewPlayerAmbient(command ...string) *PlayerAmbient {
	return &PlayerAmbient{command: command}
}

func (p *PlayerAmbient) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.ProcessState == nil {
		return
	}
	if len(p.command) == 0 {
		return
	}
	cmd := exec.Command(p.command[0], p.command[1:]...)
	if err := cmd.Start(); err != nil {
		slog.Warn("ambient player failed to start", "command", p.command[0], "error", err)
		return
	}
	p.cmd = cmd
	go cmd.Wait()
}

func (p *PlayerAmbient) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.cmd.Process.Signal(syscall.SIGTERM)
	p.cmd = nil
}

func (p *PlayerAmbient) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && p.cmd.ProcessState == nil
}
