// fs.go — 以本地目录应答项目/目录树/文件请求。
package mockremote

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultMaxDepth     = 8
	defaultMaxFileBytes = 1 << 20 // 1MiB
)

// 跳过的目录 (体积大且对浏览无意义)。
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// 远端错误文本。
var (
	errProjectNotFound = errors.New("project not found")
	errFileNotFound    = errors.New("file not found")
	errPathEscapes     = errors.New("path escapes project root")
	errNotAFile        = errors.New("path is a directory")
)

// Node 目录树节点。
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Type     string  `json:"type"` // "directory" | "file"
	Size     int64   `json:"size,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// File get_file 的 data。
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
	Binary    bool   `json:"binary"`
}

// FS 项目根目录视图。
type FS struct {
	root         string
	maxDepth     int
	maxFileBytes int64
}

// NewFS 以 root 的一级子目录为项目。
func NewFS(root string) *FS {
	return &FS{root: root, maxDepth: defaultMaxDepth, maxFileBytes: defaultMaxFileBytes}
}

// Projects 返回排序后的项目名 (隐藏目录除外)。
func (f *FS) Projects() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	projects := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

func (f *FS) projectDir(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errProjectNotFound
	}
	dir := filepath.Join(f.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", errProjectNotFound
	}
	return dir, nil
}

// Tree 返回项目的目录树 (根节点为项目本身)。
func (f *FS) Tree(project string) (*Node, error) {
	dir, err := f.projectDir(project)
	if err != nil {
		return nil, err
	}
	root := &Node{Name: project, Path: "", Type: "directory"}
	if err := f.walk(dir, "", root, 1); err != nil {
		return nil, err
	}
	return root, nil
}

func (f *FS) walk(abs, rel string, parent *Node, depth int) error {
	if depth > f.maxDepth {
		return nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		childRel := filepath.ToSlash(filepath.Join(rel, name))
		if e.IsDir() {
			if skippedDirs[name] {
				continue
			}
			node := &Node{Name: name, Path: childRel, Type: "directory"}
			if err := f.walk(filepath.Join(abs, name), childRel, node, depth+1); err != nil {
				return err
			}
			parent.Children = append(parent.Children, node)
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		parent.Children = append(parent.Children, &Node{Name: name, Path: childRel, Type: "file", Size: info.Size()})
	}
	return nil
}

// File 读取项目内文件; 超过上限的部分被截断。
func (f *FS) File(project, path string) (*File, error) {
	dir, err := f.projectDir(project)
	if err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, errPathEscapes
	}
	abs := filepath.Join(dir, clean)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errFileNotFound
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, errProjectNotFound
	}
	if rel, err := filepath.Rel(resolvedDir, resolved); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, errPathEscapes
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errFileNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, errNotAFile
	}

	fh, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	data, err := io.ReadAll(io.LimitReader(fh, f.maxFileBytes))
	if err != nil {
		return nil, err
	}
	out := &File{
		Path:      filepath.ToSlash(clean),
		Size:      info.Size(),
		Truncated: info.Size() > f.maxFileBytes,
	}
	if utf8.Valid(data) {
		out.Content = string(data)
	} else {
		out.Binary = true
	}
	return out, nil
}
