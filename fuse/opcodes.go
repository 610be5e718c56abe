package fuse

// Opcode identifies the FUSE operation carried by a request (spec.md §4.3).
type Opcode uint32

const (
	LOOKUP       Opcode = 1
	FORGET       Opcode = 2
	GETATTR      Opcode = 3
	SETATTR      Opcode = 4
	READLINK     Opcode = 5
	SYMLINK      Opcode = 6
	MKNOD        Opcode = 8
	MKDIR        Opcode = 9
	UNLINK       Opcode = 10
	RMDIR        Opcode = 11
	RENAME       Opcode = 12
	LINK         Opcode = 13
	OPEN         Opcode = 14
	READ         Opcode = 15
	WRITE        Opcode = 16
	STATFS       Opcode = 17
	RELEASE      Opcode = 18
	FSYNC        Opcode = 20
	SETXATTR     Opcode = 21
	GETXATTR     Opcode = 22
	LISTXATTR    Opcode = 23
	REMOVEXATTR  Opcode = 24
	FLUSH        Opcode = 25
	INIT         Opcode = 26
	OPENDIR      Opcode = 27
	READDIR      Opcode = 28
	RELEASEDIR   Opcode = 29
	FSYNCDIR     Opcode = 30
	GETLK        Opcode = 31
	SETLK        Opcode = 32
	SETLKW       Opcode = 33
	ACCESS       Opcode = 34
	CREATE       Opcode = 35
	INTERRUPT    Opcode = 36
	BMAP         Opcode = 37
	DESTROY      Opcode = 38
	IOCTL        Opcode = 39
	POLL         Opcode = 40
	BATCH_FORGET Opcode = 42
	FALLOCATE    Opcode = 43
	READDIRPLUS  Opcode = 44
	RENAME2      Opcode = 45
	LSEEK        Opcode = 46
)

// QueueClass says which virtqueue family an opcode must be submitted on
// (spec.md §3 invariant 4, §4.5).
type QueueClass int

const (
	QueueRequest QueueClass = iota
	QueueHiprio
)

// opInfo records the static shape of one opcode: whether it carries one
// or more NUL-terminated name payloads, and which queue class it must
// use. Modeled on go-ublk's opcode->behavior maps in
// internal/uapi/constants.go and hanwen-go-fuse/vhostuser's
// decodeIn/decodeOut registries (an opcode->metadata table instead of a
// hand-written switch in the hot path).
type opInfo struct {
	queue     QueueClass
	nameCount int // number of trailing NUL-terminated name payloads
}

var registry = map[Opcode]opInfo{
	INIT:         {QueueRequest, 0},
	LOOKUP:       {QueueRequest, 1},
	FORGET:       {QueueHiprio, 0},
	BATCH_FORGET: {QueueHiprio, 0},
	GETATTR:      {QueueRequest, 0},
	SETATTR:      {QueueRequest, 0},
	READLINK:     {QueueRequest, 0},
	SYMLINK:      {QueueRequest, 2}, // name + link target
	MKNOD:        {QueueRequest, 1},
	MKDIR:        {QueueRequest, 1},
	CREATE:       {QueueRequest, 1},
	UNLINK:       {QueueRequest, 1},
	RMDIR:        {QueueRequest, 1},
	RENAME:       {QueueRequest, 2},
	RENAME2:      {QueueRequest, 2},
	LINK:         {QueueRequest, 1},
	OPEN:         {QueueRequest, 0},
	OPENDIR:      {QueueRequest, 0},
	READ:         {QueueRequest, 0},
	READDIR:      {QueueRequest, 0},
	READDIRPLUS:  {QueueRequest, 0},
	WRITE:        {QueueRequest, 0},
	RELEASE:      {QueueRequest, 0},
	RELEASEDIR:   {QueueRequest, 0},
	FLUSH:        {QueueRequest, 0},
	FSYNC:        {QueueRequest, 0},
	FSYNCDIR:     {QueueRequest, 0},
	STATFS:       {QueueRequest, 0},
	SETXATTR:     {QueueRequest, 1},
	GETXATTR:     {QueueRequest, 1},
	LISTXATTR:    {QueueRequest, 0},
	REMOVEXATTR:  {QueueRequest, 1},
	ACCESS:       {QueueRequest, 0},
	GETLK:        {QueueRequest, 0},
	SETLK:        {QueueRequest, 0},
	SETLKW:       {QueueRequest, 0},
	BMAP:         {QueueRequest, 0},
	IOCTL:        {QueueRequest, 0},
	POLL:         {QueueRequest, 0},
	FALLOCATE:    {QueueRequest, 0},
	LSEEK:        {QueueRequest, 0},
	DESTROY:      {QueueRequest, 0},
	INTERRUPT:    {QueueHiprio, 0},
}

// QueueFor returns which queue family op must be submitted on.
func QueueFor(op Opcode) QueueClass {
	if info, ok := registry[op]; ok {
		return info.queue
	}
	return QueueRequest
}

// NameCount returns how many NUL-terminated name payloads op's request
// carries (0, 1, or 2 for the two-name RENAME family and SYMLINK).
func NameCount(op Opcode) int {
	return registry[op].nameCount
}

func (o Opcode) String() string {
	switch o {
	case LOOKUP:
		return "LOOKUP"
	case FORGET:
		return "FORGET"
	case GETATTR:
		return "GETATTR"
	case SETATTR:
		return "SETATTR"
	case READLINK:
		return "READLINK"
	case SYMLINK:
		return "SYMLINK"
	case MKNOD:
		return "MKNOD"
	case MKDIR:
		return "MKDIR"
	case UNLINK:
		return "UNLINK"
	case RMDIR:
		return "RMDIR"
	case RENAME:
		return "RENAME"
	case LINK:
		return "LINK"
	case OPEN:
		return "OPEN"
	case READ:
		return "READ"
	case WRITE:
		return "WRITE"
	case STATFS:
		return "STATFS"
	case RELEASE:
		return "RELEASE"
	case FSYNC:
		return "FSYNC"
	case SETXATTR:
		return "SETXATTR"
	case GETXATTR:
		return "GETXATTR"
	case LISTXATTR:
		return "LISTXATTR"
	case REMOVEXATTR:
		return "REMOVEXATTR"
	case FLUSH:
		return "FLUSH"
	case INIT:
		return "INIT"
	case OPENDIR:
		return "OPENDIR"
	case READDIR:
		return "READDIR"
	case RELEASEDIR:
		return "RELEASEDIR"
	case FSYNCDIR:
		return "FSYNCDIR"
	case GETLK:
		return "GETLK"
	case SETLK:
		return "SETLK"
	case SETLKW:
		return "SETLKW"
	case ACCESS:
		return "ACCESS"
	case CREATE:
		return "CREATE"
	case INTERRUPT:
		return "INTERRUPT"
	case BMAP:
		return "BMAP"
	case DESTROY:
		return "DESTROY"
	case IOCTL:
		return "IOCTL"
	case POLL:
		return "POLL"
	case BATCH_FORGET:
		return "BATCH_FORGET"
	case FALLOCATE:
		return "FALLOCATE"
	case READDIRPLUS:
		return "READDIRPLUS"
	case RENAME2:
		return "RENAME2"
	case LSEEK:
		return "LSEEK"
	default:
		return "UNKNOWN"
	}
}
