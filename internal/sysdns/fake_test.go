package sysdns

import (
	"fmt"
	"io/fs"
)

type call struct {
	name string
	args []string
}

type fakeExec struct {
	calls   []call
	outputs map[string]string
	fail    map[string]bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{outputs: map[string]string{}, fail: map[string]bool{}}
}

func (f *fakeExec) Run(name string, args ...string) error {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.fail[name] {
		return fmt.Errorf("fake failure running %s", name)
	}
	return nil
}

func (f *fakeExec) Output(name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.fail[name] {
		return "", fmt.Errorf("fake failure running %s", name)
	}
	return f.outputs[name], nil
}

type fakeFS struct {
	files map[string]string
	stats map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string]string{}, stats: map[string]bool{}}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	return []byte(content), nil
}

func (f *fakeFS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	f.files[path] = string(data)
	return nil
}

func (f *fakeFS) Stat(path string) (bool, error) {
	return f.stats[path], nil
}
