package handler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/runtime/mock"
	"github.com/devbench-ai/devbench/internal/workspace"
)

// newWorkspaceContainer seeds a running container in the store and the mock
// runtime without going through the spawn path.
func newWorkspaceContainer(t *testing.T, env *testEnv) *model.Container {
	t.Helper()

	runtimeID := "rt-ws"
	env.RT.SeedContainer(&runtime.ContainerInfo{
		RuntimeID: runtimeID,
		Status:    runtime.StatusRunning,
	})

	c := &model.Container{
		RuntimeID:       &runtimeID,
		Image:           "python:3.11-slim",
		Status:          model.ContainerStatusRunning,
		WorkspaceVolume: "devbench-transient-ws",
	}
	if err := env.Store.CreateContainer(context.Background(), c); err != nil {
		t.Fatalf("Failed to create container row: %v", err)
	}
	return c
}

// shellHandler fakes the in-container shell for workspace scripts.
type shellHandler func(script string, args []string) (string, string, int)

// scriptKind classifies a workspace script by a stable fragment of its text.
func scriptKind(script string) string {
	switch {
	case strings.Contains(script, "sha256sum"):
		return "stat"
	case strings.Contains(script, `cat "$t"`):
		return "read"
	case strings.Contains(script, `dirname "$1"`):
		return "writeprep"
	case strings.Contains(script, `mv "$t" "$1"`):
		return "writecommit"
	case strings.Contains(script, "exit 47"):
		return "delete"
	case strings.Contains(script, "for f in"):
		return "list"
	}
	return "other"
}

// withShell routes workspace execs through h and counts them.
func withShell(env *testEnv, h shellHandler) *int {
	calls := new(int)
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		*calls++
		if len(spec.Argv) < 4 {
			return mock.NewScriptedStream("", "bad argv", 1), nil
		}
		out, errOut, code := h(spec.Argv[2], spec.Argv[4:])
		return mock.NewScriptedStream(out, errOut, code), nil
	}
	return calls
}

func statOutput(size int64, mtime int64, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("f %d 644 %d\n%s  -\n", size, mtime, hex.EncodeToString(sum[:]))
}

func TestFSWriteAndReadTools(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	const content = "hello"
	withShell(env, func(script string, args []string) (string, string, int) {
		switch scriptKind(script) {
		case "writeprep":
			return "/workspace\n", "", 0
		case "writecommit":
			return fmt.Sprintf("%d 644 1700000000\n", len(content)), "", 0
		case "stat":
			return statOutput(int64(len(content)), 1700000000, content), "", 0
		case "read":
			return content, "", 0
		}
		return "", "unexpected script", 1
	})

	w := postTool(t, env.Handler.FSWrite, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/hello.txt",
		"content":      content,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("FSWrite returned %d: %s", w.Code, w.Body.String())
	}
	var wrote struct {
		ETag string `json:"etag"`
		Size int64  `json:"size"`
	}
	decodeBody(t, w, &wrote)
	if wrote.Size != int64(len(content)) || wrote.ETag == "" {
		t.Errorf("write result = %+v", wrote)
	}

	w = postTool(t, env.Handler.FSRead, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/hello.txt",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("FSRead returned %d: %s", w.Code, w.Body.String())
	}
	var read fsReadResponse
	decodeBody(t, w, &read)
	if read.Content != content {
		t.Errorf("content = %q, want %q", read.Content, content)
	}
	if read.ETag != wrote.ETag {
		t.Errorf("read etag %q does not match write etag %q", read.ETag, wrote.ETag)
	}
	if !strings.HasPrefix(read.Mime, "text/plain") {
		t.Errorf("mime = %q, want text/plain", read.Mime)
	}

	w = postTool(t, env.Handler.FSStat, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/hello.txt",
	})
	var info workspace.FileInfo
	decodeBody(t, w, &info)
	if info.ETag != wrote.ETag {
		t.Errorf("stat etag %q does not match write etag %q", info.ETag, wrote.ETag)
	}
}

func TestFSWriteConflictTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		return statOutput(5, 1700000000, "hello"), "", 0
	})

	w := postTool(t, env.Handler.FSWrite, map[string]any{
		"container_id":  c.ID,
		"path":          "/workspace/hello.txt",
		"content":       "new",
		"if_match_etag": "stale",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("stale write returned %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != "etag_conflict" {
		t.Errorf("error code = %q, want etag_conflict", code)
	}
	if len(env.RT.CopiedTo) != 0 {
		t.Error("refused write still copied content")
	}
}

func TestFSPathViolationTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	calls := withShell(env, func(script string, args []string) (string, string, int) {
		return "", "", 0
	})

	w := postTool(t, env.Handler.FSRead, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/../etc/passwd",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("escape read returned %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "path_violation" {
		t.Errorf("error code = %q, want path_violation", code)
	}

	w = postTool(t, env.Handler.FSDelete, map[string]any{
		"container_id": c.ID,
		"path":         "/etc/shadow",
	})
	if code := errorCode(t, w); code != "path_violation" {
		t.Errorf("escape delete code = %q, want path_violation", code)
	}

	if *calls != 0 {
		t.Errorf("containment failures issued %d runtime calls", *calls)
	}
}

func TestFSDeleteRecursiveTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		if len(args) == 3 && args[2] == "1" {
			return "", "", 0
		}
		return "", "", 47
	})

	w := postTool(t, env.Handler.FSDelete, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/dir",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("directory delete returned %d, want 400", w.Code)
	}

	w = postTool(t, env.Handler.FSDelete, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/dir",
		"recursive":    true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("recursive delete returned %d: %s", w.Code, w.Body.String())
	}
	var res map[string]string
	decodeBody(t, w, &res)
	if res["status"] != "deleted" {
		t.Errorf("status = %q, want deleted", res["status"])
	}
}

func TestFSStatMissingTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		return "", "", 44
	})

	w := postTool(t, env.Handler.FSStat, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/missing.txt",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file returned %d, want 404", w.Code)
	}
}

func TestFSListTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		if scriptKind(script) != "list" {
			return "", "unexpected script", 1
		}
		return "f 10 644 1700000000 main.go\nd 4096 755 1700000001 sub\n", "", 0
	})

	w := postTool(t, env.Handler.FSList, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("FSList returned %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Entries []workspace.FileInfo `json:"entries"`
	}
	decodeBody(t, w, &res)
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	if res.Entries[0].Path != "/workspace/main.go" || res.Entries[0].IsDir {
		t.Errorf("first entry = %+v", res.Entries[0])
	}
	if !res.Entries[1].IsDir {
		t.Errorf("second entry = %+v", res.Entries[1])
	}
}

func TestFSToolsUnknownContainer(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.FSStat, map[string]any{
		"container_id": "c_missing",
		"path":         "/workspace/x",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown container returned %d, want 404", w.Code)
	}
}

func TestFSBatchTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	const content = "data"
	withShell(env, func(script string, args []string) (string, string, int) {
		switch scriptKind(script) {
		case "writeprep":
			return "/workspace\n", "", 0
		case "writecommit":
			return fmt.Sprintf("%d 644 1700000003\n", len(content)), "", 0
		case "stat":
			return statOutput(int64(len(content)), 1700000003, content), "", 0
		case "read":
			return content, "", 0
		case "delete":
			return "", "", 0
		}
		return "", "unexpected script", 1
	})

	w := postTool(t, env.Handler.FSBatch, map[string]any{
		"container_id": c.ID,
		"ops": []map[string]any{
			{"op": "write", "path": "/workspace/f.txt", "content": content},
			{"op": "read", "path": "/workspace/f.txt"},
			{"op": "delete", "path": "/workspace/f.txt"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("FSBatch returned %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Results []fsBatchResult `json:"results"`
	}
	decodeBody(t, w, &res)
	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.Results))
	}
	if res.Results[1].Content != content {
		t.Errorf("read step content = %q, want %q", res.Results[1].Content, content)
	}
	if res.Results[0].Info == nil || res.Results[0].Info.Size != int64(len(content)) {
		t.Errorf("write step info = %+v", res.Results[0].Info)
	}
}

func TestFSBatchConflictEnvelope(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		if scriptKind(script) == "stat" {
			return statOutput(5, 1700000000, "hello"), "", 0
		}
		return "", "unexpected script", 1
	})

	w := postTool(t, env.Handler.FSBatch, map[string]any{
		"container_id": c.ID,
		"ops": []map[string]any{
			{"op": "write", "path": "/workspace/a.txt", "content": "a"},
			{"op": "write", "path": "/workspace/b.txt", "content": "b", "if_match_etag": "stale"},
		},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("conflicting batch returned %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, w, &body)
	if body.Error.Code != "etag_conflict" {
		t.Errorf("error code = %q, want etag_conflict", body.Error.Code)
	}
	if body.Error.Batch == nil {
		t.Fatal("batch detail missing from error envelope")
	}
	if body.Error.Batch.Index != 1 || body.Error.Batch.Path != "/workspace/b.txt" {
		t.Errorf("batch detail = %+v", body.Error.Batch)
	}
	if len(body.Error.Batch.Completed) != 0 {
		t.Errorf("preflight failure reported completed steps: %+v", body.Error.Batch.Completed)
	}
	if len(env.RT.CopiedTo) != 0 {
		t.Error("failed preflight still mutated the workspace")
	}
}

func TestTarExportTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	withShell(env, func(script string, args []string) (string, string, int) {
		return "d 4096 755 1700000000\n", "", 0
	})

	const content = "data"
	env.RT.CopyFromFunc = func(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error) {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		_ = tw.WriteHeader(&tar.Header{Name: "proj/", Typeflag: tar.TypeDir, Mode: 0o755})
		_ = tw.WriteHeader(&tar.Header{Name: "proj/x.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))})
		_, _ = tw.Write([]byte(content))
		_ = tw.Close()
		return io.NopCloser(&buf), nil
	}

	w := postTool(t, env.Handler.TarExport, map[string]any{
		"container_id": c.ID,
		"path":         "/workspace/proj",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("TarExport returned %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("content type = %q, want application/gzip", ct)
	}

	gz, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("Failed to open gzip stream: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	var got string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read exported tar: %v", err)
		}
		names = append(names, hdr.Name)
		if hdr.Name == "proj/x.txt" {
			data, _ := io.ReadAll(tr)
			got = string(data)
		}
	}
	if len(names) != 2 {
		t.Fatalf("exported entries = %v", names)
	}
	if got != content {
		t.Errorf("exported content = %q, want %q", got, content)
	}
}

func TestTarImportDestViolation(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := newWorkspaceContainer(t, env)

	calls := withShell(env, func(script string, args []string) (string, string, int) {
		return "", "", 0
	})

	req := httptest.NewRequest(http.MethodPost,
		"/v1/tools/tar_import?container_id="+c.ID+"&dest=/workspace/../x",
		bytes.NewReader([]byte("not a tar")))
	w := httptest.NewRecorder()
	env.Handler.TarImport(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("escape dest returned %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "path_violation" {
		t.Errorf("error code = %q, want path_violation", code)
	}
	if *calls != 0 {
		t.Errorf("violating import issued %d runtime calls", *calls)
	}
}
