package workspace

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
)

const sandboxUID = 1000

// ImportSummary reports what a tar import placed into the workspace.
type ImportSummary struct {
	Files   int   `json:"files"`
	Dirs    int   `json:"dirs"`
	Links   int   `json:"links"`
	Bytes   int64 `json:"bytes"`
	Skipped int   `json:"skipped"`
}

// writeFileTar emits a single-entry archive owned by the sandbox user.
func writeFileTar(w io.Writer, name string, content []byte) error {
	tw := tar.NewWriter(w)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now().UTC(),
		Uid:     sandboxUID,
		Gid:     sandboxUID,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	return tw.Close()
}

// matchGlobs reports whether rel matches any pattern. Patterns without a
// slash also match against the base name, so "*.log" finds logs anywhere.
func matchGlobs(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, rel); err == nil && ok {
			return true
		}
		if !strings.Contains(pat, "/") {
			if ok, err := path.Match(pat, path.Base(rel)); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func selectEntry(include, exclude []string, rel string) bool {
	if rel == "" {
		return true
	}
	if matchGlobs(exclude, rel) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return matchGlobs(include, rel)
}

// throttledReader paces reads through the shared transfer limiter.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (g *Gateway) throttle(ctx context.Context, r io.Reader) io.Reader {
	if g.limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, lim: g.limiter}
}

// TarExport streams a gzipped tar of the given path. Include and exclude
// globs apply to paths relative to the export root; directory headers are
// always kept so the structure survives. The caller owns the ReadCloser.
func (g *Gateway) TarExport(ctx context.Context, c *model.Container, p string, include, exclude []string) (io.ReadCloser, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, p)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("tar_export").Inc()

	// Stat first so missing paths and symlink escapes fail before any
	// archive is opened.
	if _, err := g.Stat(ctx, c, p); err != nil {
		return nil, err
	}

	src, err := g.rt.CopyFrom(ctx, runtimeID, contained)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, err, "exporting %s", p)
	}

	base := path.Base(contained)
	pr, pw := io.Pipe()
	go func() {
		defer src.Close()
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		tr := tar.NewReader(g.throttle(ctx, src))

		var bytesOut int64
		fail := func(err error) { pw.CloseWithError(err) }
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				fail(err)
				return
			}
			rel := ""
			if hdr.Name != base {
				rel = strings.TrimSuffix(strings.TrimPrefix(hdr.Name, base+"/"), "/")
			}
			if hdr.Typeflag != tar.TypeDir && !selectEntry(include, exclude, rel) {
				continue
			}
			if err := tw.WriteHeader(hdr); err != nil {
				fail(err)
				return
			}
			n, err := io.Copy(tw, tr)
			if err != nil {
				fail(err)
				return
			}
			bytesOut += n
		}
		if err := tw.Close(); err != nil {
			fail(err)
			return
		}
		if err := gz.Close(); err != nil {
			fail(err)
			return
		}
		pw.Close()
		g.audit.Event(audit.EventTarExport, "container_id", c.ID, "path", p, "bytes", bytesOut)
	}()
	return pr, nil
}

// TarImport unpacks an archive (tar or tar.gz) under dest. Entries are
// sanitized server-side, staged in a scratch directory inside the
// workspace, and renamed into the destination. A failed import removes the
// staging directory and leaves dest as intact as the rename got.
func (g *Gateway) TarImport(ctx context.Context, c *model.Container, dest string, r io.Reader) (*ImportSummary, error) {
	runtimeID, err := requireRunning(c)
	if err != nil {
		return nil, err
	}
	contained, err := g.containOrAudit(c, dest)
	if err != nil {
		return nil, err
	}
	metrics.FSOperations.WithLabelValues("tar_import").Inc()

	resolvedDest, err := g.Mkdir(ctx, c, contained)
	if err != nil {
		return nil, err
	}

	stageRes, err := g.runScript(ctx, runtimeID, metaOutputCap, stageDirScript,
		stagingPrefix+randomHex(8), g.root)
	if err != nil {
		return nil, err
	}
	if err := g.mapExit(c, dest, stageRes); err != nil {
		return nil, err
	}
	staging := strings.TrimSpace(string(stageRes.stdout))
	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := g.runScript(cctx, runtimeID, metaOutputCap, deleteScript, staging, g.root, "1")
		if err != nil || res.exit != 0 {
			g.logger.Warn("failed to remove import staging directory", "container_id", c.ID)
		}
	}

	in, err := maybeGunzip(g.throttle(ctx, r))
	if err != nil {
		cleanup()
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "reading archive")
	}

	summary := &ImportSummary{}
	pr, pw := io.Pipe()
	sanitizeErr := make(chan error, 1)
	go func() {
		err := sanitizeTar(tar.NewReader(in), tar.NewWriter(pw), summary)
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
		sanitizeErr <- err
	}()

	copyErr := g.rt.CopyTo(ctx, runtimeID, staging, pr)
	pr.Close()
	serr := <-sanitizeErr

	// A sanitize rejection is the root cause even when it also broke the
	// copy pipe; report it first.
	if serr != nil && (apperr.IsCode(serr, apperr.CodePathViolation) || apperr.IsCode(serr, apperr.CodeInvalidArgument)) {
		if apperr.IsCode(serr, apperr.CodePathViolation) {
			g.audit.Event(audit.EventPolicyViolation,
				"container_id", c.ID,
				"kind", "archive_containment",
				"path", dest,
			)
		}
		cleanup()
		return nil, serr
	}
	if copyErr != nil {
		cleanup()
		return nil, apperr.Wrap(apperr.CodeRuntimeError, copyErr, "importing archive into %s", dest)
	}
	if serr != nil {
		cleanup()
		return nil, serr
	}

	commit, err := g.runScript(ctx, runtimeID, metaOutputCap, importCommitScript,
		staging, g.root, resolvedDest)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := g.mapExit(c, dest, commit); err != nil {
		return nil, err
	}

	g.audit.Event(audit.EventTarImport,
		"container_id", c.ID,
		"path", dest,
		"files", summary.Files,
		"bytes", summary.Bytes,
	)
	return summary, nil
}

// sanitizeTar rewrites entries with validated names, link targets and
// sandbox ownership. Device nodes and FIFOs are skipped. tw is closed on
// success so CopyTo sees a finished archive.
func sanitizeTar(tr *tar.Reader, tw *tar.Writer, summary *ImportSummary) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperr.Wrap(apperr.CodeInvalidArgument, err, "reading archive")
		}

		name, err := containEntryName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "." {
			continue
		}

		out := &tar.Header{
			Name:    name,
			Mode:    hdr.Mode,
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
			Uid:     sandboxUID,
			Gid:     sandboxUID,
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			out.Typeflag = tar.TypeReg
			summary.Files++
			summary.Bytes += hdr.Size
		case tar.TypeDir:
			out.Typeflag = tar.TypeDir
			out.Name = name + "/"
			out.Size = 0
			summary.Dirs++
		case tar.TypeSymlink, tar.TypeLink:
			if err := containLinkTarget(name, hdr.Linkname); err != nil {
				return err
			}
			out.Typeflag = hdr.Typeflag
			out.Linkname = hdr.Linkname
			out.Size = 0
			summary.Links++
		default:
			summary.Skipped++
			continue
		}

		if err := tw.WriteHeader(out); err != nil {
			return apperr.Wrap(apperr.CodeInternal, err, "repacking archive")
		}
		if out.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return apperr.Wrap(apperr.CodeInvalidArgument, err, "reading archive entry %s", name)
			}
		}
	}
	return tw.Close()
}

// maybeGunzip sniffs the gzip magic and wraps the reader when present.
func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(magic) == 2 && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		return gzip.NewReader(br)
	}
	return br, nil
}
