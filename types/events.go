// Package types holds the data shapes shared across the capture pipeline:
// raw kernel events, the executable identity tuple, and the direction/error
// vocabularies every other package imports instead of redefining.
package types

import (
	"net"
	"time"
)

// Event type constants, as emitted by the kernel probe's ring buffer records.
const (
	EventProcessExec = 1
	EventProcessExit = 2
	EventNetConnect  = 3
	EventNetAccept   = 4
	EventNetBind     = 5
)

// Direction classifies a raw socket event.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirSend
	DirRecv
	DirExecOnly
)

func (d Direction) String() string {
	switch d {
	case DirSend:
		return "send"
	case DirRecv:
		return "recv"
	case DirExecOnly:
		return "exec-only"
	default:
		return "unknown"
	}
}

// ExeId is the (device, inode) pair that uniquely identifies an on-disk
// executable image on filesystems with unique inode numbers. On filesystems
// that reuse inodes across devices or bind-mounts, collisions are possible;
// callers must treat that as an implementation-defined, loudly-diagnosed
// degradation rather than a fatal condition.
type ExeId struct {
	Device uint64
	Inode  uint64
}

// HashErrorKind enumerates why an executable's hash might be absent from an
// otherwise-complete event. Per the no-silent-omission invariant, one of
// these must accompany any record with a null hash.
type HashErrorKind string

const (
	HashErrNone             HashErrorKind = ""
	HashErrVanishedProcess  HashErrorKind = "VanishedProcess"
	HashErrPermissionDenied HashErrorKind = "PermissionDenied"
	HashErrIoError          HashErrorKind = "IoError"
	HashErrExeReplaced      HashErrorKind = "ExeReplaced"
	HashErrTimeout          HashErrorKind = "HashTimeout"
)

// RawEvent is the bytes-exact shape the kernel probe hands to the Monitor.
type RawEvent struct {
	TsNs        uint64
	Pid         uint32
	Tid         uint32
	Uid         uint32
	Ppid        uint32
	TaskGen     uint64 // monotonic per-task generation, guards tid reuse
	Direction   Direction
	Comm        string
	RemoteIP    net.IP // nil when not a connection event
	RemotePort  int32  // -1 in "every exe" mode for non-connection events
	Bytes       uint64
	ExePathHint string // best-effort path captured at exec time
}

// LineageInfo is the immediate-parent-only ancestry snapshot captured at
// event time. Parent fields may be partial if the parent has already exited.
type LineageInfo struct {
	Pid       uint32
	ExePath   string
	ExeHash   string
	CmdLine   string
	Name      string
	Uid       uint32
	Parent    *ParentInfo
	IsPartial bool
}

// ParentInfo holds the one level of ancestry the design records.
type ParentInfo struct {
	Pid       uint32
	ExePath   string
	ExeHash   string
	CmdLine   string
	Name      string
	IsPartial bool
}

// EnrichedEvent is a RawEvent augmented with lineage, resolved domain, and
// (possibly still-pending) executable hash.
type EnrichedEvent struct {
	Raw          RawEvent
	Lineage      LineageInfo
	Username     string // resolved from Raw.Uid, empty if unresolvable
	RemoteDomain string // empty if unresolved or not attempted
	ExeHash      string // empty if still pending or failed
	HashError    HashErrorKind
	ObservedAt   time.Time
	LogIgnored   bool // matched the "log ignore" filter; still counted for novelty
}

// ConnectionRecord is the grouped output of the Aggregator.
type ConnectionRecord struct {
	WindowStart   time.Time
	ExePath       string
	ExeName       string
	ExeSHA256     string
	HashError     HashErrorKind
	CmdLine       string
	Uid           uint32
	Username      string
	RemoteDomain  string
	RemoteIP      string
	RemotePort    int32
	ParentExe     string
	ParentName    string
	ParentCmdLine string
	ParentSHA256  string
	ConnCount     uint64
	BytesSent     uint64
	BytesReceived uint64
	LogIgnored    bool
}

// GroupKey is the Aggregator's grouping tuple: (exe hash, parent hash, uid,
// remote addr-or-domain, port). Two records with an identical key never both
// appear in the same batch.
type GroupKey struct {
	ExeHash      string
	ParentHash   string
	Uid          uint32
	RemoteDomain string
	RemotePort   int32
}
