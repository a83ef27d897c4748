package browser

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

type commandRunner func(name string, args ...string) error

func startCommand(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

func openCommandForOS(goos, url string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{url}, nil
	case "windows":
		return "cmd", []string{"/c", "start", "", url}, nil
	default:
		return "", nil, fmt.Errorf("browser opening not supported on %s", goos)
	}
}

// StaticTab serves a fixed URL as the active tab and opens links with the
// system browser.
type StaticTab struct {
	URL string

	goos string
	run  commandRunner
}

func NewStaticTab(url string) *StaticTab {
	return &StaticTab{URL: url, goos: runtime.GOOS, run: startCommand}
}

// ActiveURL returns the fixed URL; ok is false when it is empty.
func (s *StaticTab) ActiveURL(ctx context.Context) (string, bool, error) {
	return s.URL, s.URL != "", nil
}

// Open hands url to the platform opener without waiting for it.
func (s *StaticTab) Open(ctx context.Context, url string) error {
	name, args, err := openCommandForOS(s.goos, url)
	if err != nil {
		return err
	}
	if err := s.run(name, args...); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	return nil
}
