package bootstrap

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-ipset/pkg/config"
	"github.com/amirimatin/go-ipset/pkg/dataplane"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-ipset/pkg/transport/grpc"
	"github.com/amirimatin/go-ipset/pkg/transport/httpjson"
)

var quiet = log.New(io.Discard, "", 0)

func testConfig(t *testing.T, proto string) Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "members.conf")
	require.NoError(t, os.WriteFile(path, []byte("# seed\nmembers 3\n10.0.0.1\nbogus\n2001:db8::1\n"), 0o644))
	cfg := config.Defaults()
	cfg.Cores = []int{0, 1, 2, 3}
	cfg.Members = config.Members{Path: path}
	cfg.Mgmt = config.Mgmt{Addr: "127.0.0.1:0", Proto: proto}
	return Config{Config: cfg, Logger: quiet}
}

func converged(e *dataplane.Engine, want int) func() bool {
	return func() bool {
		for _, n := range e.Counts() {
			if n != want {
				return false
			}
		}
		return true
	}
}

func TestRunLoadsMembersAndServesHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, err := Run(ctx, testConfig(t, "http"))
	require.NoError(t, err)

	require.Len(t, d.Loaded.Members, 3)
	assert.Equal(t, 1, d.Loaded.Files[0].Invalid)
	require.Eventually(t, converged(d.Engine, 2), 2*time.Second, 5*time.Millisecond)

	c := httpjson.NewClient(2 * time.Second)
	resp, err := c.Add(ctx, d.Server.Addr(), transport.MembersRequest{Members: []string{"192.0.2.1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	require.Eventually(t, converged(d.Engine, 3), 2*time.Second, 5*time.Millisecond)

	show, err := c.Show(ctx, d.Server.Addr(), transport.ShowRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, show.Core)
	assert.ElementsMatch(t, []string{"10.0.0.1", "2001:db8::1", "192.0.2.1"}, show.Members)

	cancel()
	require.NoError(t, d.Close())
	assert.Equal(t, dataplane.StateTerminated, d.Engine.State())
	for id, n := range d.Engine.Counts() {
		assert.Zero(t, n, "core %d", id)
	}
}

func TestRunServesGRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := Run(ctx, testConfig(t, "grpc"))
	require.NoError(t, err)
	defer func() {
		cancel()
		_ = d.Close()
	}()

	c := mgmtgrpc.NewClient(2 * time.Second)
	defer c.Close()
	_, err = c.Flush(ctx, d.Server.Addr())
	require.NoError(t, err)
	require.Eventually(t, converged(d.Engine, 0), 2*time.Second, 5*time.Millisecond)
}

func TestStartsEmptyWithoutMembers(t *testing.T) {
	cfg := testConfig(t, "http")
	cfg.Members.Path = filepath.Join(t.TempDir(), "absent.conf")
	ctx, cancel := context.WithCancel(context.Background())
	d, err := Run(ctx, cfg)
	require.NoError(t, err)
	assert.Empty(t, d.Loaded.Members)
	assert.Equal(t, map[int]int{0: 0, 1: 0, 2: 0, 3: 0}, d.Engine.Counts())
	cancel()
	require.NoError(t, d.Close())
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, "http")
	cfg.Buckets = 100
	_, err := Build(cfg)
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)

	cfg = testConfig(t, "http")
	cfg.Master = 9
	_, err = Build(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, "http")
	cfg.Disabled = []int{0}
	_, err = Build(cfg)
	assert.ErrorIs(t, err, ipset.ErrCoreDisabled)
}
