package inputs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// eosPath is a parsed root://server//path URI.
type eosPath struct {
	Server  string
	Dir     string
	Pattern string
}

// parseEOSURI splits root://server//dir/pattern. The double slash after the
// server is mandatory.
func parseEOSURI(uri string) (eosPath, error) {
	rest := strings.TrimPrefix(uri, "root://")
	server, p, ok := strings.Cut(rest, "//")
	if !ok || server == "" || strings.Contains(server, "/") {
		return eosPath{}, fmt.Errorf("invalid EOS uri %q: expected root://server//path (note the double slash)", uri)
	}
	p = "/" + strings.TrimLeft(p, "/")
	dir, pattern := path.Split(p)
	if pattern == "" {
		pattern = "*"
	}
	return eosPath{Server: server, Dir: path.Clean(dir), Pattern: pattern}, nil
}

func (p eosPath) uri(name string) string {
	return "root://" + p.Server + "/" + path.Join(p.Dir, name)
}

// resolveEOS lists the parent directory with the EOS client and keeps the
// entries matching the final path element.
func (r *Resolver) resolveEOS(ctx context.Context, uri string) ([]string, error) {
	p, err := parseEOSURI(uri)
	if err != nil {
		return nil, err
	}

	out, err := r.runner.Run(ctx, "", r.eosCmd, "ls", p.Dir)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Stderr) != "" {
		r.logger.Warn("EOS listing reported errors",
			zap.String("dir", p.Dir),
			zap.String("stderr", strings.TrimSpace(out.Stderr)))
		return nil, fmt.Errorf("problem with the EOS path %q: %s", p.Dir, strings.TrimSpace(out.Stderr))
	}

	var files []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if ok, _ := doublestar.Match(p.Pattern, name); ok {
			files = append(files, p.uri(name))
		}
	}
	return files, nil
}
