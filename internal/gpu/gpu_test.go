package gpu

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms"
	"github.com/tinyrange/kmsd/internal/kms/kmstest"
	"github.com/tinyrange/kmsd/internal/screen"
)

func smallModes() []drm.ModeInfo {
	return []drm.ModeInfo{
		{HDisplay: 32, VDisplay: 16, VRefresh: 60, Type: drm.ModeTypePreferred, Name: "32x16"},
		{HDisplay: 16, VDisplay: 8, VRefresh: 30, Name: "16x8"},
	}
}

type fakeBackend struct {
	cards    map[string]*kmstest.Card
	allocs   map[string]*kmstest.Allocator
	openErr  map[string]error
	allocErr map[string]error
	opened   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cards:    make(map[string]*kmstest.Card),
		allocs:   make(map[string]*kmstest.Allocator),
		openErr:  make(map[string]error),
		allocErr: make(map[string]error),
	}
}

func (b *fakeBackend) add(path string, fd int) (*kmstest.Card, *kmstest.Allocator) {
	card := kmstest.NewCard(fd)
	alloc := kmstest.NewAllocator()
	card.Attach(alloc)
	b.cards[path] = card
	b.allocs[path] = alloc
	return card, alloc
}

func (b *fakeBackend) Open(path string) (kms.Card, error) {
	b.opened = append(b.opened, filepath.Base(path))
	if err := b.openErr[path]; err != nil {
		return nil, err
	}
	card, ok := b.cards[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return card, nil
}

func (b *fakeBackend) NewAllocator(c kms.Card) (drm.Allocator, error) {
	for path, card := range b.cards {
		if card == c {
			if err := b.allocErr[path]; err != nil {
				return nil, err
			}
			return b.allocs[path], nil
		}
	}
	return nil, errors.New("unknown card")
}

// devDir creates empty files standing in for device nodes.
func devDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func closeGPUs(t *testing.T, gpus []*GPU) {
	t.Helper()
	for _, g := range gpus {
		if err := g.Close(); err != nil {
			t.Errorf("Close %s: %v", g.Path(), err)
		}
	}
}

func TestDiscoverFiltersAndOrdersCardNodes(t *testing.T) {
	dir := devDir(t, "card10", "renderD128", "card2", "cardX", "controlD64", "card")
	be := newFakeBackend()
	c2, _ := be.add(filepath.Join(dir, "card2"), 7)
	c2.AddOutput(1, 2, 3, smallModes())
	c10, _ := be.add(filepath.Join(dir, "card10"), 8)
	c10.AddOutput(1, 2, 3, smallModes())

	gpus, err := Discover(context.Background(), Options{Dir: dir, Backend: be})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	defer closeGPUs(t, gpus)

	want := []string{"card2", "card10"}
	if len(be.opened) != len(want) {
		t.Fatalf("opened %v, want %v", be.opened, want)
	}
	for i := range want {
		if be.opened[i] != want[i] {
			t.Fatalf("opened %v, want %v", be.opened, want)
		}
	}
	if len(gpus) != 2 || gpus[0].ID() != 7 || gpus[1].ID() != 8 {
		t.Fatalf("unexpected gpus %+v", gpus)
	}
}

func TestDiscoverMissingDirectory(t *testing.T) {
	_, err := Discover(context.Background(), Options{
		Dir:     filepath.Join(t.TempDir(), "missing"),
		Backend: newFakeBackend(),
	})
	if !errors.Is(err, ErrDeviceDirNotFound) {
		t.Fatalf("err = %v, want ErrDeviceDirNotFound", err)
	}
}

func TestDiscoverUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	_, err := Discover(context.Background(), Options{Dir: dir, Backend: newFakeBackend()})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestDiscoverNoDevices(t *testing.T) {
	dir := devDir(t, "renderD128")
	_, err := Discover(context.Background(), Options{Dir: dir, Backend: newFakeBackend()})
	if !errors.Is(err, ErrNoDevices) {
		t.Fatalf("err = %v, want ErrNoDevices", err)
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, should not mention permissions", err)
	}
}

func TestDiscoverReportsPermissionWhenNothingOpens(t *testing.T) {
	dir := devDir(t, "card0")
	be := newFakeBackend()
	path := filepath.Join(dir, "card0")
	be.openErr[path] = &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}

	_, err := Discover(context.Background(), Options{Dir: dir, Backend: be})
	if !errors.Is(err, ErrNoDevices) || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrNoDevices and ErrPermissionDenied", err)
	}
}

func TestDiscoverSkipsBrokenDevices(t *testing.T) {
	dir := devDir(t, "card0", "card1", "card2", "card3")
	be := newFakeBackend()

	// card0: resources fail
	c0, a0 := be.add(filepath.Join(dir, "card0"), 10)
	c0.ResourcesErr = errors.New("resources failed")
	// card1: allocator fails
	c1, _ := be.add(filepath.Join(dir, "card1"), 11)
	c1.AddOutput(1, 2, 3, smallModes())
	be.allocErr[filepath.Join(dir, "card1")] = errors.New("no allocator")
	// card2: only a disconnected connector
	c2, a2 := be.add(filepath.Join(dir, "card2"), 12)
	c2.AddDisconnected(1)
	// card3: usable
	c3, _ := be.add(filepath.Join(dir, "card3"), 13)
	c3.AddOutput(1, 2, 3, smallModes())

	gpus, err := Discover(context.Background(), Options{Dir: dir, Backend: be})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	defer closeGPUs(t, gpus)

	if len(gpus) != 1 || gpus[0].ID() != 13 {
		t.Fatalf("got %d gpus, want only card3", len(gpus))
	}
	for name, c := range map[string]*kmstest.Card{"card0": c0, "card1": c1, "card2": c2} {
		if !c.Closed {
			t.Errorf("%s left open", name)
		}
	}
	if !a0.Closed || !a2.Closed {
		t.Errorf("allocators of skipped devices left open")
	}
}

func TestDiscoverHonoursCancellation(t *testing.T) {
	dir := devDir(t, "card0")
	be := newFakeBackend()
	c, _ := be.add(filepath.Join(dir, "card0"), 3)
	c.AddOutput(1, 2, 3, smallModes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Discover(ctx, Options{Dir: dir, Backend: be}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(be.opened) != 0 {
		t.Fatalf("opened %v after cancel", be.opened)
	}
}

func TestLoadIdentityAndScreens(t *testing.T) {
	card := kmstest.NewCard(4)
	card.PCI = drm.PCIID{Vendor: VendorIntel, Device: 0x9a49}
	card.Driver.Name = "i915"
	card.AddOutput(10, 20, 30, smallModes())
	card.AddDisconnected(11)
	card.AddOutput(12, 21, 31, nil) // connected, no modes
	card.AddOutput(13, 22, 32, smallModes())
	alloc := kmstest.NewAllocator()
	card.Attach(alloc)

	g, err := Load("/dev/dri/card0", card, alloc, screen.FlagDoubleBuffered)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if g.VendorName() != "Intel" || g.DeviceID() != 0x9a49 || g.Driver() != "i915" {
		t.Errorf("identity = %s %#x %s", g.VendorName(), g.DeviceID(), g.Driver())
	}
	minW, minH, maxW, maxH := g.Limits()
	if minW != 1 || minH != 1 || maxW != 8192 || maxH != 8192 {
		t.Errorf("limits = %d %d %d %d", minW, minH, maxW, maxH)
	}
	if len(g.Screens()) != 2 {
		t.Fatalf("screens = %d, want 2", len(g.Screens()))
	}
	if _, ok := g.Screen(13); !ok {
		t.Errorf("screen 13 missing")
	}
	if _, ok := g.Screen(11); ok {
		t.Errorf("disconnected connector became a screen")
	}
	if s, _ := g.Screen(10); s.Depth() != 2 {
		t.Errorf("depth = %d, want 2", s.Depth())
	}

	before := len(card.SetCrtcCalls)
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(card.SetCrtcCalls) - before; got != 2 {
		t.Errorf("restores on close = %d, want 2", got)
	}
	if !card.Closed || !alloc.Closed || alloc.LiveCount() != 0 {
		t.Errorf("resources leaked: card closed %v, alloc closed %v, live %d",
			card.Closed, alloc.Closed, alloc.LiveCount())
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLoadGivesEachScreenItsOwnCRTC(t *testing.T) {
	newCard := func() (*kmstest.Card, *kmstest.Allocator) {
		card := kmstest.NewCard(4)
		card.AddOutput(10, 20, 30, smallModes())
		card.AddOutput(11, 21, 30, smallModes()) // both encoders report crtc 30
		alloc := kmstest.NewAllocator()
		card.Attach(alloc)
		return card, alloc
	}

	crtcOwners := func(g *GPU) map[uint32][]uint32 {
		owners := make(map[uint32][]uint32)
		for _, s := range g.Screens() {
			owners[s.CRTC().ID()] = append(owners[s.CRTC().ID()], s.ID())
		}
		return owners
	}

	t.Run("no spare crtc", func(t *testing.T) {
		card, alloc := newCard()
		g, err := Load("card0", card, alloc, screen.FlagDoubleBuffered)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		defer g.Close()

		if len(g.Screens()) != 1 {
			t.Fatalf("screens = %d, want 1", len(g.Screens()))
		}
		if _, ok := g.Screen(10); !ok {
			t.Fatalf("first output lost its crtc")
		}
		for id, owners := range crtcOwners(g) {
			if len(owners) != 1 {
				t.Errorf("crtc %d owned by %d screens: %v", id, len(owners), owners)
			}
		}
	})

	t.Run("spare crtc", func(t *testing.T) {
		card, alloc := newCard()
		card.CRTCs[31] = drm.CrtcInfo{ID: 31}
		card.Res.CRTCs = append(card.Res.CRTCs, 31)
		enc := card.Encoders[21]
		enc.PossibleCRTCs |= 1 << uint(len(card.Res.CRTCs)-1)
		card.Encoders[21] = enc

		g, err := Load("card0", card, alloc, screen.FlagDoubleBuffered)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(g.Screens()) != 2 {
			t.Fatalf("screens = %d, want 2", len(g.Screens()))
		}
		owners := crtcOwners(g)
		if len(owners[30]) != 1 || len(owners[31]) != 1 || owners[31][0] != 11 {
			t.Fatalf("crtc owners = %v, want 30:[10] 31:[11]", owners)
		}

		s, _ := g.Screen(11)
		if err := s.SwapBuffers(); err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		call, _ := card.LastSetCrtc()
		if call.CrtcID != 31 || len(call.Connectors) != 1 || call.Connectors[0] != 11 {
			t.Fatalf("swap set %+v, want crtc 31 driving connector 11", call)
		}

		if err := g.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		// crtc 31 was off and is switched off again
		restored := false
		for _, c := range card.SetCrtcCalls {
			if c.CrtcID == 31 && c.FBID == 0 && c.Mode == nil && len(c.Connectors) == 0 {
				restored = true
			}
		}
		if !restored {
			t.Fatalf("crtc 31 not switched back off, calls %+v", card.SetCrtcCalls)
		}
	})
}

func TestLoadWithoutScreensFails(t *testing.T) {
	card := kmstest.NewCard(4)
	card.AddDisconnected(1)
	alloc := kmstest.NewAllocator()
	card.Attach(alloc)

	if _, err := Load("card0", card, alloc, 0); !errors.Is(err, ErrNoScreens) {
		t.Fatalf("err = %v, want ErrNoScreens", err)
	}
	if !card.Closed || !alloc.Closed {
		t.Fatalf("card or allocator left open")
	}
}

func TestVendorName(t *testing.T) {
	tests := map[uint16]string{
		VendorAMD:    "AMD",
		VendorNvidia: "Nvidia",
		0:            "unknown",
		0xabcd:       "vendor 0xabcd",
	}
	for id, want := range tests {
		if got := VendorName(id); got != want {
			t.Errorf("VendorName(%#x) = %q, want %q", id, got, want)
		}
	}
}

func TestParseAllocatorKind(t *testing.T) {
	for in, want := range map[string]AllocatorKind{"": AllocatorAuto, "GBM": AllocatorGBM, " dumb ": AllocatorDumb} {
		got, err := ParseAllocatorKind(in)
		if err != nil || got != want {
			t.Errorf("ParseAllocatorKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseAllocatorKind("vulkan"); err == nil {
		t.Errorf("expected error for unknown allocator")
	}
}
