package helper

import (
	"context"
	"os/exec"

	"voxpaste/internal/ipc"
)

// Availability is implemented by keyboard sources that can report access.
type Availability interface {
	Available() (bool, string)
}

// SystemProber reports what the helper can reach on this machine.
type SystemProber struct {
	// Recorder is the capture command looked up on PATH.
	Recorder string
	// HasAPIKey reports whether the recognizer has credentials.
	HasAPIKey bool
	// Keyboard is the hotkey source, if it can report access.
	Keyboard Availability

	lookPath func(string) (string, error)
}

// Probe implements Prober.
func (p SystemProber) Probe(context.Context) ipc.Permissions {
	lookPath := p.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	perms := ipc.Permissions{
		SpeechRecognition: ipc.PermDenied,
		Microphone:        ipc.PermDenied,
		Input:             ipc.PermNotDetermined,
	}
	if p.HasAPIKey {
		perms.SpeechRecognition = ipc.PermGranted
	}
	if p.Recorder != "" {
		if _, err := lookPath(p.Recorder); err == nil {
			perms.Microphone = ipc.PermGranted
		}
	}
	if p.Keyboard != nil {
		if ok, _ := p.Keyboard.Available(); ok {
			perms.Input = ipc.PermGranted
		} else {
			perms.Input = ipc.PermDenied
		}
	}
	return perms
}
