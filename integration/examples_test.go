//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("EFA_TEST_EXAMPLES") == "" {
		s.T().Skip("set EFA_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestHandshakePair() {
	s.run("examples/handshake_pair", nil)
}

func (s *ExampleSuite) TestRMAWrite() {
	if os.Getenv("LIBFABRIC_EXAMPLE_PROVIDER") == "" {
		s.T().Skip("set LIBFABRIC_EXAMPLE_PROVIDER to run the RDMA write example")
	}
	s.run("examples/rma_write", nil)
}

func (s *ExampleSuite) TestEfactlLoopback() {
	s.run("cmd/efactl", []string{"EFA_PROVIDER=simulated", "EFA_DEVICES=efa0"}, "loopback", "--size", "65536")
}

func (s *ExampleSuite) run(relPath string, extraEnv []string, args ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./" + relPath}, args...)...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "%s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "%s failed:\n%s", relPath, string(output))
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
