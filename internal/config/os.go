package config

import "os"

// OSInterface is the slice of the os package config loading touches.
// Tests and the CLI substitute their own to control files and env.
type OSInterface interface {
	Getenv(key string) string
	Environ() []string
	Stat(name string) (os.FileInfo, error)
	ReadFile(filename string) ([]byte, error)
}

// realOS passes straight through to the os package.
type realOS struct{}

var defaultOS OSInterface = realOS{}

func (realOS) Getenv(key string) string                 { return os.Getenv(key) }
func (realOS) Environ() []string                        { return os.Environ() }
func (realOS) Stat(name string) (os.FileInfo, error)    { return os.Stat(name) }
func (realOS) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }
