package gpu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms"
	"github.com/tinyrange/kmsd/internal/screen"
)

// DefaultDir holds the card nodes on Linux.
const DefaultDir = "/dev/dri"

var (
	ErrDeviceDirNotFound = errors.New("gpu: device directory not found")
	ErrPermissionDenied  = errors.New("gpu: permission denied")
	ErrNoDevices         = errors.New("gpu: no usable devices")
)

// Backend opens cards and creates allocators on them.
type Backend interface {
	Open(path string) (kms.Card, error)
	NewAllocator(card kms.Card) (drm.Allocator, error)
}

type Options struct {
	Dir     string
	Flags   screen.Flags
	Backend Backend
}

func (o *Options) normalize() {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.Backend == nil {
		o.Backend = NewSystemBackend(AllocatorAuto)
	}
}

// Discover opens every card node in opts.Dir and loads the ones that light at
// least one screen.
func Discover(ctx context.Context, opts Options) ([]*GPU, error) {
	opts.normalize()

	entries, err := os.ReadDir(opts.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrDeviceDirNotFound, opts.Dir)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, opts.Dir)
	case err != nil:
		return nil, fmt.Errorf("gpu: read %s: %w", opts.Dir, err)
	}

	var nodes []string
	for _, e := range entries {
		if isCardNode(e.Name()) {
			nodes = append(nodes, e.Name())
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(nodes[i], "card"))
		b, _ := strconv.Atoi(strings.TrimPrefix(nodes[j], "card"))
		return a < b
	})

	var gpus []*GPU
	denied := false
	for _, name := range nodes {
		if err := ctx.Err(); err != nil {
			closeAll(gpus)
			return nil, err
		}
		path := filepath.Join(opts.Dir, name)

		card, err := opts.Backend.Open(path)
		if err != nil {
			if drm.IsPermission(err) {
				denied = true
			}
			slog.Warn("cannot open device", "path", path, "error", err)
			continue
		}

		alloc, err := opts.Backend.NewAllocator(card)
		if err != nil {
			slog.Warn("cannot create buffer allocator", "path", path, "error", err)
			card.Close()
			continue
		}

		g, err := Load(path, card, alloc, opts.Flags)
		if err != nil {
			slog.Warn("skipping device", "path", path, "error", err)
			continue
		}
		gpus = append(gpus, g)
	}

	if len(gpus) == 0 {
		if denied {
			return nil, fmt.Errorf("%w in %s: %w", ErrNoDevices, opts.Dir, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("%w in %s", ErrNoDevices, opts.Dir)
	}
	return gpus, nil
}

func isCardNode(name string) bool {
	rest, ok := strings.CutPrefix(name, "card")
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}

func closeAll(gpus []*GPU) {
	for _, g := range gpus {
		g.Close()
	}
}
