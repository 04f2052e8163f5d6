package tailer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type IdentityKind uint8

const (
	// IdentityUnknown is used where the platform (or filesystem) exposes no
	// stable identity. Rotation detection then falls back to size only.
	IdentityUnknown IdentityKind = iota
	IdentityInode
	// IdentityComposite is creation time plus device id, for platforms
	// without inode numbers.
	IdentityComposite
)

// FileIdentity tells two incarnations of the same path apart.
type FileIdentity struct {
	Kind      IdentityKind
	Inode     uint64
	BirthTime int64
	Device    uint64
}

func InodeIdentity(ino uint64) FileIdentity {
	return FileIdentity{Kind: IdentityInode, Inode: ino}
}

func CompositeIdentity(birthTime int64, device uint64) FileIdentity {
	return FileIdentity{Kind: IdentityComposite, BirthTime: birthTime, Device: device}
}

func (id FileIdentity) Known() bool {
	return id.Kind != IdentityUnknown
}

func (id FileIdentity) Equal(other FileIdentity) bool {
	if id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case IdentityInode:
		return id.Inode == other.Inode
	case IdentityComposite:
		return id.BirthTime == other.BirthTime && id.Device == other.Device
	default:
		return true
	}
}

// String returns the persisted form: "", "ino:<n>" or "cmp:<birth>:<dev>".
func (id FileIdentity) String() string {
	switch id.Kind {
	case IdentityInode:
		return "ino:" + strconv.FormatUint(id.Inode, 10)
	case IdentityComposite:
		return "cmp:" + strconv.FormatInt(id.BirthTime, 10) + ":" + strconv.FormatUint(id.Device, 10)
	default:
		return ""
	}
}

// ParseFileIdentity reverses String. An empty string is the unknown identity.
func ParseFileIdentity(s string) (FileIdentity, error) {
	if s == "" {
		return FileIdentity{}, nil
	}

	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return FileIdentity{}, fmt.Errorf("malformed file identity %q", s)
	}

	switch kind {
	case "ino":
		ino, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return FileIdentity{}, fmt.Errorf("malformed inode in file identity %q: %w", s, err)
		}
		return InodeIdentity(ino), nil
	case "cmp":
		birthStr, devStr, found := strings.Cut(rest, ":")
		if !found {
			return FileIdentity{}, fmt.Errorf("malformed composite file identity %q", s)
		}
		birth, err := strconv.ParseInt(birthStr, 10, 64)
		if err != nil {
			return FileIdentity{}, fmt.Errorf("malformed birth time in file identity %q: %w", s, err)
		}
		dev, err := strconv.ParseUint(devStr, 10, 64)
		if err != nil {
			return FileIdentity{}, fmt.Errorf("malformed device in file identity %q: %w", s, err)
		}
		return CompositeIdentity(birth, dev), nil
	default:
		return FileIdentity{}, fmt.Errorf("unknown file identity kind %q", kind)
	}
}

// identityOf extracts the platform identity from a stat result. FileInfo
// values without platform data (in-memory filesystems) yield IdentityUnknown.
func identityOf(info os.FileInfo) FileIdentity {
	if info == nil {
		return FileIdentity{}
	}
	return platformIdentity(info.Sys())
}

// DetectRotation reports whether the file at a path is no longer the
// incarnation the previous offset refers to. Shrinking below the previous
// offset always counts; differing identities count only when both are known.
func DetectRotation(prevID FileIdentity, prevOffset uint64, curID FileIdentity, curSize uint64) bool {
	if curSize < prevOffset {
		return true
	}
	if prevID.Known() && curID.Known() && !prevID.Equal(curID) {
		return true
	}
	return false
}
