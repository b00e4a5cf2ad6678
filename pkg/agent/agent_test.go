package agent_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselops/vessel-agent/pkg/agent"
	"github.com/vesselops/vessel-agent/pkg/mtls"
	"github.com/vesselops/vessel-agent/pkg/protocol"
	"github.com/vesselops/vessel-agent/pkg/session"
	"github.com/vesselops/vessel-agent/test/testutil"
)

func newConfig(t *testing.T, cluster *testutil.FakeCluster) *agent.Config {
	return &agent.Config{
		Identity:       testutil.Identity,
		HealthAddr:     "127.0.0.1:0",
		MaxParallel:    2,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Kube: agent.KubeConfig{
			APIURL:            cluster.URL(),
			ServiceAccountDir: cluster.WriteServiceAccount(t),
		},
		Logger: testutil.NewTestLogger(t),
	}
}

func startAgent(t *testing.T, config *agent.Config) *agent.Agent {
	a, err := agent.New(config)
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
		defer cancel()
		assert.NoError(t, a.Stop(ctx))
	})
	return a
}

func TestAgent_DialModeHello(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	startAgent(t, config)

	conn := platform.Accept(t)
	assert.Equal(t, testutil.Identity, conn.Header.Get("X-Vessel-Engine-Id"))
	assert.NotEmpty(t, conn.Header.Get("X-Session-Id"))

	hello := conn.Next(t)
	assert.Equal(t, protocol.TypeHello, hello.Type())
	assert.NotEmpty(t, hello.ID())
	payload := hello.Payload()
	assert.Equal(t, testutil.Identity, payload["vesselEngineId"])
	assert.Equal(t, float64(2), payload["credits"])
	assert.ElementsMatch(t, []any{"k8s.getNodes", "k8s.apply"}, payload["capabilities"])
}

func TestAgent_GetNodes(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	startAgent(t, config)

	conn := platform.Accept(t)
	conn.NextOfType(t, protocol.TypeHello)

	conn.Send(t, testutil.Command("cmd-1", "k8s.getNodes", testutil.Identity, nil))

	credits := conn.Next(t)
	require.Equal(t, protocol.TypeCredits, credits.Type())
	assert.Equal(t, float64(1), credits.Payload()["delta"])

	done := conn.Next(t)
	require.Equal(t, protocol.TypeDone, done.Type())
	assert.Equal(t, "cmd-1", done.ID())
	assert.Equal(t, "k8s.getNodes.reply", done["action"])
	assert.Equal(t, true, done["ok"])
	result, ok := done["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NodeList", result["kind"])

	reqs := cluster.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "/api/v1/nodes", reqs[0].Path)
	assert.Equal(t, "Bearer "+testutil.ClusterToken, reqs[0].Authorization)
	assert.Equal(t, agent.DefaultAgentName, reqs[0].ApplyingAgent)
}

func TestAgent_ApplyConflictFallsBackToPatch(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	cluster.Seed("/api/v1/namespaces/default/configmaps/settings")
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	startAgent(t, config)

	conn := platform.Accept(t)
	conn.NextOfType(t, protocol.TypeHello)

	conn.Send(t, testutil.Command("cmd-2", "k8s.apply", testutil.Identity, map[string]any{
		"manifest": map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   map[string]any{"name": "settings"},
			"data":       map[string]any{"mode": "fast"},
		},
	}))

	assert.Equal(t, protocol.TypeCredits, conn.Next(t).Type())
	done := conn.Next(t)
	require.Equal(t, protocol.TypeDone, done.Type())
	assert.Equal(t, "cmd-2", done.ID())
	assert.Equal(t, true, done["ok"])

	reqs := cluster.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/v1/namespaces/default/configmaps", reqs[0].Path)
	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	assert.Equal(t, "/api/v1/namespaces/default/configmaps/settings", reqs[1].Path)
	assert.Equal(t, "fieldManager=vessel-agent", reqs[1].Query)
	assert.Equal(t, "application/apply-patch+yaml", reqs[1].ContentType)
	assert.JSONEq(t, string(reqs[0].Body), string(reqs[1].Body))
}

func TestAgent_DropsFramesForOtherIdentity(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	startAgent(t, config)

	conn := platform.Accept(t)
	conn.NextOfType(t, protocol.TypeHello)

	conn.Send(t, testutil.Command("cmd-3", "k8s.getNodes", testutil.OtherIdentity, nil))
	conn.Send(t, testutil.Command("cmd-4", "k8s.getNodes", "", nil))

	conn.ExpectSilence(t, 200*time.Millisecond)
	assert.Empty(t, cluster.Requests())
}

func TestAgent_CapacityZeroDropsCommands(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	startAgent(t, config)

	conn := platform.Accept(t)
	conn.NextOfType(t, protocol.TypeHello)

	conn.Send(t, map[string]any{
		"action":         "agent.setMaxParallel",
		"payload":        map[string]any{"value": 0},
		"vesselEngineId": testutil.Identity,
	})
	conn.Send(t, testutil.Command("cmd-5", "k8s.getNodes", testutil.Identity, nil))

	conn.ExpectSilence(t, 200*time.Millisecond)
	assert.Empty(t, cluster.Requests())
}

func TestAgent_ReconnectsAfterPlatformCloses(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	a := startAgent(t, config)

	first := platform.Accept(t)
	first.NextOfType(t, protocol.TypeHello)
	first.Close()

	second := platform.Accept(t)
	hello := second.NextOfType(t, protocol.TypeHello)
	assert.Equal(t, testutil.Identity, hello.Payload()["vesselEngineId"])
	assert.NotEqual(t, first.Header.Get("X-Session-Id"), second.Header.Get("X-Session-Id"))

	require.Eventually(t, func() bool {
		return a.State() == session.StateConnected
	}, testutil.DefaultTimeout, 10*time.Millisecond)
}

func TestAgent_HealthEndpoint(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	platform := testutil.NewFakePlatform(t)

	config := newConfig(t, cluster)
	config.PlatformURL = platform.URL()
	a := startAgent(t, config)

	resp, err := http.Get("http://" + a.HealthAddr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestAgent_AcceptMode(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)
	secret := []byte("accept-mode-test-secret-0123456789")

	config := newConfig(t, cluster)
	config.Mode = agent.ModeAccept
	config.AcceptAddr = "127.0.0.1:0"
	config.AcceptSecret = string(secret)
	config.HealthAddr = "-"
	a := startAgent(t, config)
	assert.Empty(t, a.HealthAddr())

	signer, err := mtls.NewTokenSigner(secret)
	require.NoError(t, err)
	token, err := signer.Issue(testutil.Identity, "platform", time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, hello := testutil.DialAgent(t, a.AcceptAddr(), header)
	assert.Equal(t, protocol.TypeHello, hello.Type())

	conn.Send(t, testutil.Command("cmd-6", "k8s.getNodes", testutil.Identity, nil))
	assert.Equal(t, protocol.TypeCredits, conn.Next(t).Type())
	done := conn.Next(t)
	assert.Equal(t, "cmd-6", done.ID())
	assert.Equal(t, true, done["ok"])
}

func TestAgent_AcceptModeRejectsBadToken(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)

	config := newConfig(t, cluster)
	config.Mode = agent.ModeAccept
	config.AcceptAddr = "127.0.0.1:0"
	config.AcceptSecret = "accept-mode-test-secret-0123456789"
	config.HealthAddr = "-"
	a := startAgent(t, config)

	req, err := http.NewRequest(http.MethodGet, "http://"+a.AcceptAddr()+session.ConnectPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNew_MissingTokenIsFatal(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)

	config := newConfig(t, cluster)
	config.PlatformURL = "https://platform.example.com"
	require.NoError(t, os.Remove(filepath.Join(config.Kube.ServiceAccountDir, "token")))

	_, err := agent.New(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := agent.New(&agent.Config{Logger: testutil.NewTestLogger(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestAgent_StopBeforeStart(t *testing.T) {
	cluster := testutil.NewFakeCluster(t)

	config := newConfig(t, cluster)
	config.PlatformURL = "https://platform.example.com"
	a, err := agent.New(config)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()
	assert.NoError(t, a.Stop(ctx))
	assert.NoError(t, a.Stop(ctx))
}
