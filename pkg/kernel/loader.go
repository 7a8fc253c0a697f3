// Shared library loader for externally compiled update kernels via purego (no cgo).

package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ebitengine/purego"
)

// ErrLibraryNotFound is returned when the kernel library cannot be located.
var ErrLibraryNotFound = errors.New("kernel library not found")

// ErrSymbolNotFound is returned when a requested kernel is not exported.
var ErrSymbolNotFound = errors.New("kernel symbol not found")

// StepFunc advances n entities of nvars packed row-major variables by dt.
// It matches the C signature
//
//	void f(double *state, int64_t nvars, int64_t n, double t, double dt)
type StepFunc func(state []float64, nvars, n int64, t, dt float64)

// Library is a loaded kernel library.
type Library struct {
	path   string
	handle uintptr

	mu    sync.Mutex
	funcs map[string]StepFunc
}

// Open loads the library at path, or searches the standard library
// directories for the default kernel library when path is empty.
func Open(path string) (*Library, error) {
	if path == "" {
		found, err := findKernels()
		if err != nil {
			return nil, err
		}
		path = found
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, path)
	}

	handle, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &Library{path: path, handle: handle, funcs: make(map[string]StepFunc)}, nil
}

// Path returns the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// Step resolves an exported kernel. Resolved kernels are cached.
func (l *Library) Step(name string) (StepFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fn, ok := l.funcs[name]; ok {
		return fn, nil
	}
	addr, err := symbol(l.handle, name)
	if err != nil || addr == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, l.path)
	}
	var fn StepFunc
	purego.RegisterFunc(&fn, addr)
	l.funcs[name] = fn
	return fn, nil
}

// --------------------------------- Library Lookup ---------------------------------

func findKernels() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return findLibrary("neurosim_kernels.dll", runtime.GOOS)
	case "darwin":
		return findLibrary("libneurosim_kernels.dylib", runtime.GOOS)
	default:
		return findLibrary("libneurosim_kernels.so", runtime.GOOS)
	}
}

func findLibrary(name, goos string) (string, error) {
	dirs := libDirs(goos)
	checked := make([]string, 0, len(dirs))

	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		checked = append(checked, path)
	}

	return "", fmt.Errorf("%w: '%s', checked following paths:\n\t - %s",
		ErrLibraryNotFound, name, strings.Join(checked, "\n\t - "))
}

func libDirs(goos string) []string {
	dirs := []string{"/usr/lib", "/usr/local/lib"}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd, filepath.Join(wd, "kernels"))
	}

	switch goos {
	case "windows":
		if sys := os.Getenv("SYSTEMROOT"); sys != "" {
			dirs = append(dirs, filepath.Join(sys, "System32"))
		}
		if val := os.Getenv("PATH"); val != "" {
			dirs = append(dirs, strings.Split(val, ";")...)
		}
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/lib")
	}

	for _, envKey := range []string{"LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH"} {
		if val := os.Getenv(envKey); val != "" {
			dirs = append(dirs, strings.Split(val, ":")...)
		}
	}
	return dirs
}

// ResolveLibraryError returns an install hint when the library is missing.
func ResolveLibraryError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrLibraryNotFound) {
		return fmt.Sprintf("compiled kernel library not found.\n"+
			"Build it with your equation compiler and install it, or set kernel.libraryPath:\n"+
			"  macOS:   sudo cp libneurosim_kernels.dylib /usr/local/lib/\n"+
			"  Linux:   sudo cp libneurosim_kernels.so /usr/local/lib/ && sudo ldconfig\n"+
			"  Windows: copy neurosim_kernels.dll next to the executable\n\n"+
			"Original error: %s", err)
	}
	return err.Error()
}

// LibDirs returns the directories searched for the kernel library.
func LibDirs(goos string) []string {
	return libDirs(goos)
}

// FindLibrary searches LibDirs(goos) for name.
func FindLibrary(name, goos string) (string, error) {
	return findLibrary(name, goos)
}

// IsLibraryAvailable reports whether the default kernel library can be found.
func IsLibraryAvailable() bool {
	_, err := findKernels()
	return err == nil
}
