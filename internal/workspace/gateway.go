// Package workspace implements the filesystem surface of a sandbox. All
// operations run inside the container as the sandbox user, so permission
// checks and symlink resolution happen with the container's own view of
// the volume. Paths are validated lexically on the server first; a request
// that fails containment never reaches the runtime.
package workspace

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
)

const (
	// sandboxUser is the unprivileged uid all workspace operations run as.
	sandboxUser = "1000"

	// maxReadBytes caps single-file reads; larger files go through tar export.
	maxReadBytes = 32 << 20

	// etagHashBytes is how much of the file head feeds the ETag hash.
	etagHashBytes = 64 << 10

	// metaOutputCap bounds stdout for metadata scripts.
	metaOutputCap = 1 << 20

	stagedPrefix  = ".devbench-tmp-"
	stagingPrefix = ".devbench-stage-"
)

// Script exit codes shared with the shell snippets below.
const (
	exitPathEscape = 43
	exitNotFound   = 44
	exitWrongType  = 45
	exitIOFailure  = 46
	exitNeedsFlag  = 47
)

// FileInfo describes a workspace entry.
type FileInfo struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	Mode  string    `json:"mode"`
	IsDir bool      `json:"is_dir"`
	Mtime time.Time `json:"mtime"`
	ETag  string    `json:"etag,omitempty"`
	Mime  string    `json:"mime_type,omitempty"`
}

// ReadResult is the content of a file plus the metadata that accompanied it.
type ReadResult struct {
	Content []byte
	Info    FileInfo
}

// Gateway executes workspace operations against running containers.
type Gateway struct {
	rt      runtime.Runtime
	root    string
	audit   *audit.Logger
	logger  *slog.Logger
	limiter *rate.Limiter // shared transfer throttle, nil when unlimited
}

// New builds a Gateway rooted at the configured workspace mount.
// transferRate throttles tar import/export in bytes per second; zero
// disables throttling.
func New(rt runtime.Runtime, root string, transferRate int64, auditLog *audit.Logger, logger *slog.Logger) *Gateway {
	var lim *rate.Limiter
	if transferRate > 0 {
		lim = rate.NewLimiter(rate.Limit(transferRate), int(transferRate))
	}
	return &Gateway{
		rt:      rt,
		root:    root,
		audit:   auditLog,
		logger:  logger.With("component", "workspace"),
		limiter: lim,
	}
}

// Root returns the workspace mount point inside containers.
func (g *Gateway) Root() string { return g.root }

func requireRunning(c *model.Container) (string, error) {
	if c.Status != model.ContainerStatusRunning || c.RuntimeID == nil {
		return "", apperr.New(apperr.CodeInvalidArgument,
			"container %s is %s, not running", c.ID, c.Status)
	}
	return *c.RuntimeID, nil
}

func (g *Gateway) containOrAudit(c *model.Container, p string) (string, error) {
	contained, err := ContainPath(g.root, p)
	if err != nil {
		if apperr.IsCode(err, apperr.CodePathViolation) {
			g.audit.Event(audit.EventPolicyViolation,
				"container_id", c.ID,
				"kind", "path_containment",
				"path", p,
			)
		}
		return "", err
	}
	return contained, nil
}

// Shell snippets run as ["sh", "-c", script, "ws", args...]. They share an
// exit-code contract: 43 escape, 44 missing, 45 wrong type, 46 I/O failure,
// 47 needs recursive. $1 is always the target path, $2 the workspace root.

const containSnippet = `t=$(readlink -f "$1") || exit 44
case "$t" in "$2"|"$2"/*) ;; *) exit 43 ;; esac
`

const statScript = containSnippet + `[ -e "$t" ] || exit 44
if [ -d "$t" ]; then
  printf 'd '
  stat -c '%s %a %Y' "$t" || exit 46
else
  printf 'f '
  stat -c '%s %a %Y' "$t" || exit 46
  head -c 65536 "$t" | sha256sum || exit 46
fi`

const readScript = containSnippet + `[ -e "$t" ] || exit 44
[ -f "$t" ] || exit 45
cat "$t"`

// writePrepScript verifies the deepest existing ancestor before creating
// parent directories, so a symlinked ancestor cannot route mkdir outside
// the workspace. Prints the resolved parent directory.
const writePrepScript = `d=$(dirname "$1")
e="$d"
while [ ! -e "$e" ] && [ "$e" != "/" ]; do e=$(dirname "$e"); done
a=$(readlink -f "$e") || exit 43
case "$a" in "$2"|"$2"/*) ;; *) exit 43 ;; esac
mkdir -p "$d" || exit 46
rd=$(readlink -f "$d") || exit 43
case "$rd" in "$2"|"$2"/*) ;; *) exit 43 ;; esac
if [ -e "$1" ] && [ ! -f "$1" ]; then exit 45; fi
printf '%s\n' "$rd"`

// writeCommitScript renames the staged file into place. $3 is the staged
// path. rename replaces a symlink at the target rather than following it.
const writeCommitScript = `t=$(readlink -f "$3") || exit 44
case "$t" in "$2"/*) ;; *) rm -f "$3"; exit 43 ;; esac
mv "$t" "$1" || { rm -f "$t"; exit 46; }
stat -c '%s %a %Y' "$1" || exit 46`

// deleteScript removes a file, symlink, or (with $3=1) a directory tree.
// The workspace root itself is never removable.
const deleteScript = `t=$(readlink -f "$1") || exit 44
case "$t" in "$2") exit 43 ;; "$2"/*) ;; *) exit 43 ;; esac
if [ ! -e "$t" ] && [ ! -L "$1" ]; then exit 44; fi
if [ -d "$t" ] && [ ! -L "$1" ]; then
  if [ "$3" != "1" ]; then exit 47; fi
  rm -rf "$t" || exit 46
else
  rm -f "$1" || exit 46
fi`

const listScript = containSnippet + `[ -e "$t" ] || exit 44
[ -d "$t" ] || exit 45
cd "$t" || exit 44
for f in * .[!.]* ..?*; do
  [ -e "$f" ] || [ -L "$f" ] || continue
  case "$f" in .devbench-tmp-*|.devbench-stage-*) continue ;; esac
  if [ -d "$f" ] && [ ! -L "$f" ]; then k=d; elif [ -L "$f" ]; then k=l; else k=f; fi
  s=$(stat -c '%s %a %Y' "$f") || continue
  printf '%s %s %s\n' "$k" "$s" "$f"
done
exit 0`

// mkdirScript creates a directory tree with the same ancestor check as
// writePrepScript and prints the resolved path.
const mkdirScript = `e="$1"
while [ ! -e "$e" ] && [ "$e" != "/" ]; do e=$(dirname "$e"); done
a=$(readlink -f "$e") || exit 43
case "$a" in "$2"|"$2"/*) ;; *) exit 43 ;; esac
mkdir -p "$1" || exit 46
t=$(readlink -f "$1") || exit 43
case "$t" in "$2"|"$2"/*) ;; *) exit 43 ;; esac
[ -d "$t" ] || exit 45
printf '%s\n' "$t"`

const stageDirScript = `mkdir "$2/$1" || exit 46
printf '%s\n' "$2/$1"`

// importCommitScript moves staged entries into the destination directory
// ($3). The staging directory is removed regardless of outcome.
const importCommitScript = containSnippet + `cd "$t" || exit 44
ok=1
for f in * .[!.]* ..?*; do
  [ -e "$f" ] || [ -L "$f" ] || continue
  mv "$f" "$3/" || { ok=0; break; }
done
cd /
rm -rf "$t"
[ "$ok" = "1" ] || exit 46`

type scriptResult struct {
	stdout []byte
	stderr []byte
	exit   int
}

// runScript executes a shell snippet inside the container as the sandbox
// user, draining both streams concurrently so the child never blocks on a
// full pipe. stdout is capped at outCap; overflow is drained and flagged.
func (g *Gateway) runScript(ctx context.Context, runtimeID string, outCap int64, script string, args ...string) (*scriptResult, error) {
	argv := append([]string{"sh", "-c", script, "ws"}, args...)
	stream, err := g.rt.ExecStart(ctx, runtimeID, runtime.ExecSpec{Argv: argv, User: sandboxUser})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, err, "workspace operation failed to start")
	}
	defer stream.Close()

	res := &scriptResult{}
	var overflow bool
	var eg errgroup.Group
	eg.Go(func() error {
		out, over, err := readCapped(stream.Stdout(), outCap)
		res.stdout, overflow = out, over
		return err
	})
	eg.Go(func() error {
		out, _, err := readCapped(stream.Stderr(), 64<<10)
		res.stderr = out
		return err
	})

	exit, werr := stream.Wait(ctx)
	if rerr := eg.Wait(); rerr != nil && werr == nil {
		werr = rerr
	}
	if werr != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, werr, "workspace operation failed")
	}
	if overflow {
		return nil, apperr.New(apperr.CodeInvalidArgument,
			"output exceeds the %d byte limit; use tar_export for large content", outCap)
	}
	res.exit = exit
	return res, nil
}

// readCapped reads up to limit bytes and then drains the remainder so the
// writer sees EOF rather than a stalled pipe.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		_, err = io.Copy(io.Discard, r)
		return buf[:limit], true, err
	}
	return buf, false, nil
}

func (g *Gateway) mapExit(c *model.Container, p string, res *scriptResult) error {
	switch res.exit {
	case 0:
		return nil
	case exitPathEscape:
		g.audit.Event(audit.EventPolicyViolation,
			"container_id", c.ID,
			"kind", "path_containment",
			"path", p,
		)
		return apperr.New(apperr.CodePathViolation, "path %s resolves outside the workspace", p)
	case exitNotFound:
		return apperr.New(apperr.CodeNotFound, "path %s not found", p)
	case exitWrongType:
		return apperr.New(apperr.CodeInvalidArgument, "path %s is not the expected type", p)
	case exitNeedsFlag:
		return apperr.New(apperr.CodeInvalidArgument, "path %s is a directory; pass recursive to delete it", p)
	default:
		msg := strings.TrimSpace(string(res.stderr))
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.exit)
		}
		return apperr.New(apperr.CodeRuntimeError, "workspace operation on %s failed: %s", p, msg)
	}
}

// computeETag derives the conditional-request tag from size, mtime and a
// prefix of the content hash. Reads, writes and stats all agree on it.
func computeETag(size, mtimeUnix int64, hashPrefix string) string {
	return fmt.Sprintf("%x-%x-%s", size, mtimeUnix, hashPrefix)
}

func hashPrefix(content []byte) string {
	if int64(len(content)) > etagHashBytes {
		content = content[:etagHashBytes]
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// parseStatLine parses "SIZE MODE MTIME" from stat -c '%s %a %Y'.
func parseStatLine(line string) (size int64, mode string, mtime int64, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 {
		return 0, "", 0, fmt.Errorf("malformed stat output %q", line)
	}
	size, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed stat size %q", fields[0])
	}
	mtime, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed stat mtime %q", fields[2])
	}
	return size, fields[1], mtime, nil
}

func mimeType(p string) string {
	return mime.TypeByExtension(path.Ext(p))
}

// Stat returns metadata for a file or directory.
func (g *Gateway) Stat(ctx context.Context, c *model.Container, p string) (*FileInfo, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("stat").Inc()

	res, err := g.runScript(ctx, runtimeID, metaOutputCap, statScript, contained, g.root)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, p, res); err != nil {
		return nil, err
	}
	return parseStatOutput(contained, string(res.stdout))
}

func parseStatOutput(p, out string) (*FileInfo, error) {
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	first := strings.TrimSpace(lines[0])
	if len(first) < 2 {
		return nil, apperr.New(apperr.CodeRuntimeError, "malformed stat output for %s", p)
	}
	kind, rest := first[:1], first[2:]
	size, mode, mtime, err := parseStatLine(rest)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, err, "stat of %s", p)
	}
	info := &FileInfo{
		Path:  p,
		Size:  size,
		Mode:  mode,
		IsDir: kind == "d",
		Mtime: time.Unix(mtime, 0).UTC(),
	}
	if !info.IsDir {
		if len(lines) < 2 {
			return nil, apperr.New(apperr.CodeRuntimeError, "stat of %s returned no content hash", p)
		}
		sum := strings.Fields(strings.TrimSpace(lines[1]))
		if len(sum) == 0 || len(sum[0]) < 16 {
			return nil, apperr.New(apperr.CodeRuntimeError, "stat of %s returned a malformed hash", p)
		}
		info.ETag = computeETag(size, mtime, sum[0][:16])
		info.Mime = mimeType(p)
	}
	return info, nil
}

// Read returns file content and metadata. Directories and files over the
// read limit are rejected; tar export handles both.
func (g *Gateway) Read(ctx context.Context, c *model.Container, p string) (*ReadResult, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("read").Inc()

	info, err := g.Stat(ctx, c, p)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, apperr.New(apperr.CodeInvalidArgument, "path %s is a directory; use fs_list", p)
	}
	if info.Size > maxReadBytes {
		return nil, apperr.New(apperr.CodeInvalidArgument,
			"file %s is %d bytes, over the %d byte read limit; use tar_export", p, info.Size, maxReadBytes)
	}

	res, err := g.runScript(ctx, runtimeID, maxReadBytes, readScript, contained, g.root)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, p, res); err != nil {
		return nil, err
	}

	content := res.stdout
	info.Size = int64(len(content))
	info.ETag = computeETag(info.Size, info.Mtime.Unix(), hashPrefix(content))
	g.audit.Event(audit.EventFSRead, "container_id", c.ID, "path", p, "bytes", info.Size)
	return &ReadResult{Content: content, Info: *info}, nil
}

// Write stores content at the given path, creating parent directories as
// needed. The content lands under a staged name in the target directory and
// is renamed into place, so readers never observe a partial file. When
// ifMatchETag is set it must equal the current ETag or the write is refused
// without mutation.
func (g *Gateway) Write(ctx context.Context, c *model.Container, p string, content []byte, ifMatchETag string) (*FileInfo, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("write").Inc()

	if ifMatchETag != "" {
		current, err := g.Stat(ctx, c, p)
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, apperr.New(apperr.CodeETagConflict,
				"precondition failed: %s does not exist", p)
		}
		if err != nil {
			return nil, err
		}
		if current.IsDir {
			return nil, apperr.New(apperr.CodeInvalidArgument, "path %s is a directory", p)
		}
		if current.ETag != ifMatchETag {
			return nil, apperr.New(apperr.CodeETagConflict,
				"precondition failed: %s has changed since it was read", p)
		}
	}

	prep, err := g.runScript(ctx, runtimeID, metaOutputCap, writePrepScript, contained, g.root)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, p, prep); err != nil {
		return nil, err
	}
	parent := strings.TrimSpace(string(prep.stdout))
	if parent == "" {
		return nil, apperr.New(apperr.CodeRuntimeError, "write preparation for %s returned no directory", p)
	}

	staged := stagedPrefix + randomHex(8)
	if err := g.copyStaged(ctx, runtimeID, parent, staged, content); err != nil {
		return nil, err
	}

	commit, err := g.runScript(ctx, runtimeID, metaOutputCap, writeCommitScript,
		contained, g.root, parent+"/"+staged)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, p, commit); err != nil {
		return nil, err
	}
	size, mode, mtime, err := parseStatLine(string(commit.stdout))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, err, "write of %s", p)
	}

	info := &FileInfo{
		Path:  contained,
		Size:  size,
		Mode:  mode,
		Mtime: time.Unix(mtime, 0).UTC(),
		ETag:  computeETag(size, mtime, hashPrefix(content)),
		Mime:  mimeType(contained),
	}
	g.audit.Event(audit.EventFSWrite, "container_id", c.ID, "path", p, "bytes", info.Size)
	return info, nil
}

// copyStaged ships content into the container as a single-entry tar owned
// by the sandbox user.
func (g *Gateway) copyStaged(ctx context.Context, runtimeID, dir, name string, content []byte) error {
	var buf bytes.Buffer
	if err := writeFileTar(&buf, name, content); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "staging %s", name)
	}
	if err := g.rt.CopyTo(ctx, runtimeID, dir, &buf); err != nil {
		return apperr.Wrap(apperr.CodeRuntimeError, err, "copying content into the workspace")
	}
	return nil
}

// Delete removes a file or symlink; directories require recursive.
// The workspace root itself cannot be deleted.
func (g *Gateway) Delete(ctx context.Context, c *model.Container, p string, recursive bool) error {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return err
	}
	metrics.FSOperations.WithLabelValues("delete").Inc()

	flag := "0"
	if recursive {
		flag = "1"
	}
	res, err := g.runScript(ctx, runtimeID, metaOutputCap, deleteScript, contained, g.root, flag)
	if err != nil {
		return err
	}
	if err := g.mapExit(c, p, res); err != nil {
		return err
	}
	g.audit.Event(audit.EventFSDelete, "container_id", c.ID, "path", p, "recursive", recursive)
	return nil
}

// List returns the direct children of a directory. Entries omit ETags;
// hashing every child would cost one exec per file.
func (g *Gateway) List(ctx context.Context, c *model.Container, p string) ([]FileInfo, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("list").Inc()

	res, err := g.runScript(ctx, runtimeID, metaOutputCap, listScript, contained, g.root)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, p, res); err != nil {
		return nil, err
	}

	entries := []FileInfo{}
	for _, line := range strings.Split(string(res.stdout), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// k SIZE MODE MTIME NAME, name may contain spaces
		parts := strings.SplitN(line, " ", 5)
		if len(parts) != 5 {
			g.logger.Warn("skipping malformed list entry", "container_id", c.ID)
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		mtime, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			continue
		}
		name := parts[4]
		info := FileInfo{
			Path:  path.Join(contained, name),
			Size:  size,
			Mode:  parts[2],
			IsDir: parts[0] == "d",
			Mtime: time.Unix(mtime, 0).UTC(),
		}
		if !info.IsDir {
			info.Mime = mimeType(name)
		}
		entries = append(entries, info)
	}
	return entries, nil
}

// Mkdir creates a directory tree and returns its resolved path.
func (g *Gateway) Mkdir(ctx context.Context, c *model.Container, p string) (string, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return "", err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return "", err
	}
	metrics.FSOperations.WithLabelValues("mkdir").Inc()

	res, err := g.runScript(ctx, runtimeID, metaOutputCap, mkdirScript, contained, g.root)
	if err != nil {
		return "", err
	}
	if err := g.mapExit(c, p, res); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.stdout)), nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
