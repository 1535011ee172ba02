// Package hosttest provides a scripted host.Runner for component tests.
package hosttest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Response scripts one command match.
type Response struct {
	Out string
	Err error
}

// Fake satisfies host.Runner. Commands are matched by substring against
// the scripted responses in registration order; unmatched commands
// succeed with empty output so tests only script what they assert on.
type Fake struct {
	mu        sync.Mutex
	matchers  []string
	responses []Response
	Commands  []string
	Files     map[string][]byte
	Modes     map[string]os.FileMode
	Removed   []string
	Name      string
}

func NewFake() *Fake {
	return &Fake{
		Files: map[string][]byte{},
		Modes: map[string]os.FileMode{},
		Name:  "fakehost",
	}
}

// Script registers a response for any command containing match.
// Later registrations for the same match win over earlier ones because
// they are consulted first.
func (f *Fake) Script(match string, r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchers = append([]string{match}, f.matchers...)
	f.responses = append([]Response{r}, f.responses...)
}

func (f *Fake) Run(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, command)
	for i, m := range f.matchers {
		if strings.Contains(command, m) {
			return f.responses[i].Out, f.responses[i].Err
		}
	}
	return "", nil
}

func (f *Fake) WriteFile(path string, content []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[path] = append([]byte(nil), content...)
	f.Modes[path] = mode
	return nil
}

func (f *Fake) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), content...), nil
}

func (f *Fake) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Files, path)
	f.Removed = append(f.Removed, path)
	return nil
}

func (f *Fake) Describe() string { return f.Name }

// RanMatching reports whether any executed command contains match.
func (f *Fake) RanMatching(match string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Commands {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

// CountMatching returns how many executed commands contain match.
func (f *Fake) CountMatching(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// FailWith is shorthand for a scripted failure with diagnostic output.
func FailWith(out string) Response {
	return Response{Out: out, Err: fmt.Errorf("exit status 1")}
}
