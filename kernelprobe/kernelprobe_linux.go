//go:build linux

package kernelprobe

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" netmonBPF ../bpf/netmon.c
//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" execveBPF ../bpf/execve.c

import (
	"bytes"
	"context"
	binenc "encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/types"
)

// rawEventHeader mirrors the C struct every ring buffer record starts with;
// the probe reads this first to decide how to parse the rest of the record.
type rawEventHeader struct {
	EventType uint32
	Pid       uint32
	Tid       uint32
	Uid       uint32
	Ppid      uint32
	Timestamp uint64
	Comm      [16]byte
}

type netEventBody struct {
	SAddrA, SAddrB, SAddrC, SAddrD uint32
	DAddrA, DAddrB, DAddrC, DAddrD uint32
	SPort, DPort                   uint16
	Protocol                      uint8
	Bytes                         uint64
}

type execEventBody struct {
	ExePath [256]byte
	Flags   uint32
}

// LinuxProbe attaches the netmon and execve BPF programs and multiplexes
// their two ring buffers into a single RawEvent stream, tracking a
// monotonic per-(pid,tid) generation counter so a reused tid never gets
// attributed to the wrong task.
type LinuxProbe struct {
	cfg Config

	netmonObjs netmonBPFObjects
	execveObjs execveBPFObjects

	mu      sync.Mutex
	taskGen map[uint64]uint64 // pid<<32|tid -> generation
}

func NewLinuxProbe(cfg Config) *LinuxProbe {
	return &LinuxProbe{cfg: cfg, taskGen: make(map[uint64]uint64)}
}

func (p *LinuxProbe) Run(ctx context.Context) (<-chan types.RawEvent, <-chan error) {
	events := make(chan types.RawEvent, 4096)
	errc := make(chan error, 16)

	go p.run(ctx, events, errc)
	return events, errc
}

func (p *LinuxProbe) run(ctx context.Context, events chan types.RawEvent, errc chan error) {
	defer close(events)
	defer close(errc)

	if err := rlimit.RemoveMemlock(); err != nil {
		errc <- errs.New(errs.KindIoError, "remove memlock rlimit", err)
		return
	}

	if err := loadNetmonBPFObjects(&p.netmonObjs, nil); err != nil {
		errc <- errs.New(errs.KindIoError, "load network eBPF objects", err)
		return
	}
	defer p.netmonObjs.Close()

	if err := loadExecveBPFObjects(&p.execveObjs, nil); err != nil {
		errc <- errs.New(errs.KindIoError, "load process eBPF objects", err)
		return
	}
	defer p.execveObjs.Close()

	var closers []io.Closer
	attach := func(name string, l link.Link, err error) {
		if err != nil {
			errc <- errs.New(errs.KindIoError, "attach "+name, err)
			return
		}
		closers = append(closers, l)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	cg1, err := link.AttachCgroup(link.CgroupOptions{Path: p.cfg.CgroupPath, Attach: ebpf.AttachCGroupInetSockCreate, Program: p.netmonObjs.CgroupSockCreate})
	attach("cgroup sock_create", cg1, err)
	cg2, err := link.AttachCgroup(link.CgroupOptions{Path: p.cfg.CgroupPath, Attach: ebpf.AttachCGroupInetIngress, Program: p.netmonObjs.CgroupSkbIngress})
	attach("cgroup ingress", cg2, err)
	cg3, err := link.AttachCgroup(link.CgroupOptions{Path: p.cfg.CgroupPath, Attach: ebpf.AttachCGroupInetEgress, Program: p.netmonObjs.CgroupSkbEgress})
	attach("cgroup egress", cg3, err)
	tpBind, err := link.Tracepoint("syscalls", "sys_enter_bind", p.netmonObjs.TraceBind, nil)
	attach("bind tracepoint", tpBind, err)
	tpExec, err := link.Tracepoint("syscalls", "sys_enter_execve", p.execveObjs.TraceEnterExecve, nil)
	attach("execve tracepoint", tpExec, err)
	tpExit, err := link.Tracepoint("sched", "sched_process_exit", p.execveObjs.TraceSchedProcessExit, nil)
	attach("process exit tracepoint", tpExit, err)

	netReader, err := ringbuf.NewReader(p.netmonObjs.Events)
	if err != nil {
		errc <- errs.New(errs.KindIoError, "create network ring reader", err)
		return
	}
	defer netReader.Close()

	procReader, err := ringbuf.NewReader(p.execveObjs.Events)
	if err != nil {
		errc <- errs.New(errs.KindIoError, "create process ring reader", err)
		return
	}
	defer procReader.Close()

	var wg sync.WaitGroup
	wg.Add(4)
	go p.readRing(ctx, &wg, netReader, events, errc, p.parseNetRecord)
	go p.readRing(ctx, &wg, procReader, events, errc, p.parseExecRecord)
	go p.watchDrops(ctx, &wg, "network", p.netmonObjs.DropCounter, errc)
	go p.watchDrops(ctx, &wg, "process", p.execveObjs.DropCounter, errc)

	<-ctx.Done()
	netReader.Close()
	procReader.Close()
	wg.Wait()
}

type recordParser func([]byte) (types.RawEvent, bool)

func (p *LinuxProbe) readRing(ctx context.Context, wg *sync.WaitGroup, reader *ringbuf.Reader, events chan types.RawEvent, errc chan error, parse recordParser) {
	defer wg.Done()
	for {
		record, err := reader.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return
			}
			errc <- errs.New(errs.KindIoError, "read ring buffer", err)
			continue
		}
		ev, ok := parse(record.RawSample)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// ringLossPollInterval bounds how long an overflow can sit undetected
// before it's surfaced on the error channel.
const ringLossPollInterval = 2 * time.Second

// watchDrops polls a BPF_MAP_TYPE_ARRAY drop counter the netmon/execve
// programs increment when bpf_ringbuf_reserve fails, and reports the delta
// since the last poll as a RingLoss. The ring buffer reader has no
// consumer-side view of declined reserves the way a perf buffer exposes
// LostSamples, so overflow has to be detected on the producer side instead.
func (p *LinuxProbe) watchDrops(ctx context.Context, wg *sync.WaitGroup, name string, counter *ebpf.Map, errc chan error) {
	defer wg.Done()

	ticker := time.NewTicker(ringLossPollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var total uint64
			if err := counter.Lookup(uint32(0), &total); err != nil {
				continue
			}
			if total > last {
				lost := total - last
				errc <- errs.New(errs.KindRingLoss, name+" ring buffer", errs.RingLoss{Count: int(lost)})
			}
			last = total
		}
	}
}

// genFor returns the current generation of (pid, tid), first advancing it
// when bump is set (an exec starts a new task generation).
func (p *LinuxProbe) genFor(pid, tid uint32, bump bool) uint64 {
	key := uint64(pid)<<32 | uint64(tid)
	p.mu.Lock()
	defer p.mu.Unlock()
	if bump {
		p.taskGen[key]++
	}
	return p.taskGen[key]
}

func (p *LinuxProbe) parseNetRecord(raw []byte) (types.RawEvent, bool) {
	r := bytes.NewReader(raw)
	var hdr rawEventHeader
	if err := binenc.Read(r, binenc.LittleEndian, &hdr); err != nil {
		return types.RawEvent{}, false
	}
	var body netEventBody
	if err := binenc.Read(r, binenc.LittleEndian, &body); err != nil {
		return types.RawEvent{}, false
	}

	dir := types.DirUnknown
	switch hdr.EventType {
	case types.EventNetConnect:
		dir = types.DirSend
	case types.EventNetAccept:
		dir = types.DirRecv
	case types.EventNetBind:
		dir = types.DirUnknown
	}

	return types.RawEvent{
		TsNs:       hdr.Timestamp,
		Pid:        hdr.Pid,
		Tid:        hdr.Tid,
		Uid:        hdr.Uid,
		Ppid:       hdr.Ppid,
		TaskGen:    p.genFor(hdr.Pid, hdr.Tid, false),
		Direction:  dir,
		Comm:       string(bytes.TrimRight(hdr.Comm[:], "\x00")),
		RemoteIP:   net.IPv4(byte(body.DAddrA), byte(body.DAddrB), byte(body.DAddrC), byte(body.DAddrD)),
		RemotePort: int32(body.DPort),
		Bytes:      body.Bytes,
	}, true
}

func (p *LinuxProbe) parseExecRecord(raw []byte) (types.RawEvent, bool) {
	r := bytes.NewReader(raw)
	var hdr rawEventHeader
	if err := binenc.Read(r, binenc.LittleEndian, &hdr); err != nil {
		return types.RawEvent{}, false
	}

	ev := types.RawEvent{
		TsNs:      hdr.Timestamp,
		Pid:       hdr.Pid,
		Tid:       hdr.Tid,
		Uid:       hdr.Uid,
		Ppid:      hdr.Ppid,
		TaskGen:   p.genFor(hdr.Pid, hdr.Tid, hdr.EventType == types.EventProcessExec),
		Direction: types.DirExecOnly,
		Comm:      string(bytes.TrimRight(hdr.Comm[:], "\x00")),
	}

	if hdr.EventType == types.EventProcessExec {
		var body execEventBody
		if err := binenc.Read(r, binenc.LittleEndian, &body); err == nil {
			ev.ExePathHint = string(bytes.TrimRight(body.ExePath[:], "\x00"))
		}
	}
	return ev, true
}
