//go:build mage

package main

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"
)

const (
	goBin     = "go"
	devConfig = "config/dev.toml"
	coverage  = "coverage.out"
)

var binaries = []string{"otpservice", "otpctl"}

// Build compiles every package and writes the binaries to bin/.
func Build() error {
	logrus.Info("building")
	if err := sh.Run(goBin, "build", "./..."); err != nil {
		return err
	}
	for _, name := range binaries {
		if err := sh.Run(goBin, "build", "-o", filepath.Join("bin", name), "./cmd/"+name); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes bin/ and the coverage profile.
func Clean() error {
	logrus.Info("cleaning")
	if err := sh.Rm("bin"); err != nil {
		return err
	}
	return sh.Rm(coverage)
}

// Run starts the HTTP service with the dev config.
func Run() error {
	return sh.RunWithV(map[string]string{"CONFIG_PATH": devConfig}, goBin, "run", "./cmd/otpservice")
}

// Seed loads the credentials of a YAML or JSON file into the dev store.
func Seed(file string) error {
	return sh.RunV(goBin, "run", "./cmd/otpctl", "--config", devConfig, "seed", "-f", file)
}

// Test runs the unit tests with the race detector. Pass -v to mage for verbose output.
func Test() error {
	return goTest()
}

// CITest is Test plus an atomic coverage profile.
func CITest() error {
	return goTest("-covermode=atomic", "-coverprofile="+coverage)
}

// Lint runs go vet over every package.
func Lint() error {
	return sh.RunV(goBin, "vet", "./...")
}

// CBT runs clean, build and test.
func CBT() error {
	mg.SerialDeps(Clean, Build, Test)
	return nil
}

func goTest(extra ...string) error {
	args := []string{"test", "-race"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(append(args, extra...), "./...")
	env := map[string]string{"CGO_ENABLED": "1"}
	logrus.Infof("go %v", args)
	_, err := sh.Exec(env, colorized(os.Stdout), os.Stderr, goBin, args...)
	return err
}

var (
	passLine = regexp.MustCompile(`(?m)^(--- )?PASS.*$|^ok .*$`)
	failLine = regexp.MustCompile(`(?m)^(--- )?FAIL.*$`)
)

// colorized paints PASS and FAIL lines when stdout is a terminal.
func colorized(w *os.File) io.Writer {
	if !terminal.IsTerminal(syscall.Stdout) {
		return w
	}
	return painter{w: w}
}

type painter struct {
	w io.Writer
}

func (p painter) Write(b []byte) (int, error) {
	out := passLine.ReplaceAll(b, []byte("\033[32m$0\033[0m"))
	out = failLine.ReplaceAll(out, []byte("\033[31m$0\033[0m"))
	if _, err := p.w.Write(out); err != nil {
		return 0, err
	}
	return len(b), nil
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
}
