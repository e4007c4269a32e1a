// Package bpf provides the CO-RE BPF loader and uprobe attacher for a
// real (non-simulated) deployment of the collector: one set of
// BEGIN/END/FEATURES/FLUSH programs and three maps per OU, a shared
// lifecycle ring, and a per-OU ring buffer, all generated from the
// schema catalog by internal/codegen and compiled by an external
// clang/libbpf toolchain this repository does not invoke.
//
// Responsibilities:
//   - Verify kernel version and bpffs availability.
//   - Load the (externally compiled) BPF ELF object via cilium/ebpf CO-RE.
//   - Pin all per-OU maps under PinPath.
//   - Attach the four uprobes per OU (begin/end/features/flush) plus the
//     four shared lifecycle uprobes, to the target server binary.
//   - Expose the per-OU ring buffer readers and the lifecycle ring reader.
//   - Gate per-PID capture through the shared tracked_pids map rather than
//     per-PID kernel attachment: every probe is attached once, globally,
//     and Objects.Attach/Detach toggle a PID's entry in that map, so
//     Objects satisfies coordinator.Attacher the same way the uprobes
//     themselves never change after Load().
//
// Failure contract: any failure in Load() is fatal to the coordinator
// (exit code 1); the server process itself is never affected by a
// failed or partial attach.
package bpf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"

	"github.com/octotrace/octotrace/internal/coordinator"
	"github.com/octotrace/octotrace/internal/schema"
)

// Objects satisfies coordinator.Attacher via Attach/Detach below.
var _ coordinator.Attacher = (*Objects)(nil)

const (
	// MinKernelMajor and MinKernelMinor define the minimum supported kernel
	// for ring buffer support (BPF_MAP_TYPE_RINGBUF landed in 5.8).
	MinKernelMajor = 5
	MinKernelMinor = 8

	// LifecycleRingMapName is the shared lifecycle ring's BPF map name, as
	// emitted by the probes template (internal/codegen).
	LifecycleRingMapName = "lifecycle_events"

	// TrackedPIDsMapName is the shared opt-in gate every OU's begin probe
	// consults before creating per-key state, as emitted by the probes
	// template (internal/codegen).
	TrackedPIDsMapName = "tracked_pids"
)

// OUPrograms holds the four uprobe-attached programs for one OU.
type OUPrograms struct {
	Begin    *ebpf.Program
	End      *ebpf.Program
	Features *ebpf.Program
	Flush    *ebpf.Program
}

// OUMaps holds the three per-OU maps plus its output ring.
type OUMaps struct {
	Running  *ebpf.Map
	Complete *ebpf.Map
	Features *ebpf.Map
	Results  *ebpf.Map
}

// Objects holds every loaded BPF program and map, per OU, plus the shared
// lifecycle ring. Callers must call Close() to release kernel resources.
type Objects struct {
	PinPath string

	ouPrograms  map[string]OUPrograms
	ouMaps      map[string]OUMaps
	lifecycle   *ebpf.Map
	trackedPIDs *ebpf.Map

	links []link.Link
	coll  *ebpf.Collection
}

// Close releases all BPF resources: uprobe links, programs, maps, and the
// underlying collection. Safe to call multiple times.
func (o *Objects) Close() error {
	var errs []error
	for _, l := range o.links {
		errs = append(errs, l.Close())
	}
	if o.coll != nil {
		o.coll.Close()
	}
	return errors.Join(errs...)
}

// Load performs the full BPF initialisation sequence for every OU in cat,
// against the compiled ELF read from elf and attached to the server
// binary at serverBinaryPath.
func Load(elf io.Reader, cat *schema.Catalog, pinPath, serverBinaryPath string) (*Objects, error) {
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return nil, fmt.Errorf("kernel version check failed: %w", err)
	}
	if err := checkBPFFS(filepath.Dir(pinPath)); err != nil {
		return nil, fmt.Errorf("BPF filesystem check failed: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(elf)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection spec: %w", err)
	}

	if err := os.MkdirAll(pinPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create BPF pin path %s: %w", pinPath, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: pinPath},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection: %w", err)
	}

	objs := &Objects{
		PinPath:    pinPath,
		ouPrograms: make(map[string]OUPrograms),
		ouMaps:     make(map[string]OUMaps),
		coll:       coll,
	}

	for _, ou := range cat.OUs {
		progs := OUPrograms{
			Begin:    coll.Programs["trace_"+ou.Name+"_begin"],
			End:      coll.Programs["trace_"+ou.Name+"_end"],
			Features: coll.Programs["trace_"+ou.Name+"_features"],
			Flush:    coll.Programs["trace_"+ou.Name+"_flush"],
		}
		maps := OUMaps{
			Running:  coll.Maps["running_metrics_"+ou.Name],
			Complete: coll.Maps["complete_metrics_"+ou.Name],
			Features: coll.Maps[ou.Name+"_features"],
			Results:  coll.Maps["collector_results_"+ou.Name],
		}
		if progs.Begin == nil || progs.End == nil || progs.Features == nil || progs.Flush == nil {
			_ = objs.Close()
			return nil, fmt.Errorf("missing generated programs for OU %q", ou.Name)
		}
		if maps.Running == nil || maps.Complete == nil || maps.Features == nil || maps.Results == nil {
			_ = objs.Close()
			return nil, fmt.Errorf("missing generated maps for OU %q", ou.Name)
		}
		objs.ouPrograms[ou.Name] = progs
		objs.ouMaps[ou.Name] = maps
	}

	objs.lifecycle = coll.Maps[LifecycleRingMapName]
	if objs.lifecycle == nil {
		_ = objs.Close()
		return nil, fmt.Errorf("missing shared map %q", LifecycleRingMapName)
	}

	objs.trackedPIDs = coll.Maps[TrackedPIDsMapName]
	if objs.trackedPIDs == nil {
		_ = objs.Close()
		return nil, fmt.Errorf("missing shared map %q", TrackedPIDsMapName)
	}

	if err := objs.attachAll(serverBinaryPath, cat); err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("uprobe attachment failed: %w", err)
	}

	return objs, nil
}

// attachAll attaches every OU's four uprobes plus the four shared
// lifecycle uprobes to the server executable.
func (o *Objects) attachAll(serverBinaryPath string, cat *schema.Catalog) error {
	ex, err := link.OpenExecutable(serverBinaryPath)
	if err != nil {
		return fmt.Errorf("open executable %q: %w", serverBinaryPath, err)
	}

	attach := func(symbol string, prog *ebpf.Program) error {
		l, err := ex.Uprobe(symbol, prog, nil)
		if err != nil {
			return fmt.Errorf("attach uprobe %q: %w", symbol, err)
		}
		o.links = append(o.links, l)
		return nil
	}

	for _, ou := range cat.OUs {
		progs := o.ouPrograms[ou.Name]
		for symbolSuffix, prog := range map[string]*ebpf.Program{
			"_begin":    progs.Begin,
			"_end":      progs.End,
			"_features": progs.Features,
			"_flush":    progs.Flush,
		} {
			if err := attach(ou.Name+symbolSuffix, prog); err != nil {
				return err
			}
		}
	}

	for _, symbol := range []string{"fork_backend", "fork_background", "reap_backend", "reap_background"} {
		if prog := o.coll.Programs["trace_"+symbol]; prog != nil {
			if err := attach(symbol, prog); err != nil {
				return err
			}
		}
	}

	return nil
}

// Attach marks pid as tracked by writing it into the shared tracked_pids
// map: every OU's begin probe is already attached system-wide, but only
// emits state for PIDs present here. Satisfies coordinator.Attacher.
func (o *Objects) Attach(pid uint32) error {
	const tracked uint8 = 1
	if err := o.trackedPIDs.Put(pid, tracked); err != nil {
		return fmt.Errorf("attach pid %d: %w", pid, err)
	}
	return nil
}

// Detach removes pid from tracked_pids, so its begin probe stops
// producing state on its next invocation. Idempotent: detaching an
// already-untracked PID is not an error.
func (o *Objects) Detach(pid uint32) error {
	err := o.trackedPIDs.Delete(pid)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detach pid %d: %w", pid, err)
	}
	return nil
}

// ResultsReader returns a ring buffer reader for the given OU's results
// map. The caller owns the returned reader and must Close it.
func (o *Objects) ResultsReader(ouName string) (*ringbuf.Reader, error) {
	maps, ok := o.ouMaps[ouName]
	if !ok {
		return nil, fmt.Errorf("unknown OU %q", ouName)
	}
	return ringbuf.NewReader(maps.Results)
}

// LifecycleReader returns a ring buffer reader for the shared lifecycle
// ring. The caller owns the returned reader and must Close it.
func (o *Objects) LifecycleReader() (*ringbuf.Reader, error) {
	return ringbuf.NewReader(o.lifecycle)
}

// ─── Kernel / environment checks ─────────────────────────────────────────

// checkKernelVersion reads the running kernel version via uname(2) and
// verifies it meets the minimum requirement.
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])

	var kMajor, kMinor, kPatch int
	if _, err := fmt.Sscanf(release, "%d.%d.%d", &kMajor, &kMinor, &kPatch); err != nil {
		return fmt.Errorf("failed to parse kernel version %q: %w", release, err)
	}

	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %d.%d.%d < required %d.%d", kMajor, kMinor, kPatch, major, minor)
	}
	return nil
}

// checkBPFFS verifies that the BPF filesystem is mounted at the given
// path (the parent directory of PinPath).
func checkBPFFS(bpffsPath string) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(bpffsPath, &stat); err != nil {
		return fmt.Errorf("statfs %s failed: %w", bpffsPath, err)
	}
	const bpffsMagic = 0xcafe4a11
	if stat.Type != bpffsMagic {
		return fmt.Errorf("%s is not a bpffs mount (magic=0x%x, expected=0x%x); mount with: mount -t bpf bpf %s",
			bpffsPath, stat.Type, bpffsMagic, bpffsPath)
	}
	return nil
}
