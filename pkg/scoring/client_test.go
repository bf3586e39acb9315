package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"vigil/pkg/vision"
)

func TestSendHeartbeatReturnsVerdict(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathHeartbeat, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Signals Signals `json:"signals"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "fp-1", body.Signals.DeviceFingerprint)

		json.NewEncoder(w).Encode(Verdict{
			Score:             80,
			Triggers:          []string{"High velocity transfer"},
			RecommendedAction: ActionLockSession,
			RequiresChallenge: true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	v, err := c.SendHeartbeat(context.Background(), Signals{DeviceFingerprint: "fp-1"})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, 80.0, v.Score)
	require.True(t, v.RequiresChallenge)
	require.Equal(t, "High velocity transfer", v.FirstTrigger())
}

func TestSendHeartbeat403IsSessionLocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session is locked", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.SendHeartbeat(context.Background(), Signals{})
	require.ErrorIs(t, err, ErrSessionLocked)
}

func TestMalformedVerdictRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": 250, "triggers": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.SendHeartbeat(context.Background(), Signals{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
}

func TestRequestChallengeValidatesPayload(t *testing.T) {
	responses := []string{
		`{"challenge_id":"c1","challenge_type":"SMILE","instruction":"Smile","time_limit":6}`,
		`{"challenge_id":"","challenge_type":"SMILE","time_limit":6}`,
		`{"challenge_id":"c2","challenge_type":"DANCE","time_limit":6}`,
	}
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(responses[i]))
		i++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")

	ch, err := c.RequestChallenge(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c1", ch.ID)
	require.False(t, ch.IssuedAt.IsZero())

	_, err = c.RequestChallenge(context.Background())
	require.Error(t, err)

	_, err = c.RequestChallenge(context.Background())
	require.Error(t, err)
}

func TestVerifyChallengeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "c9", req.ChallengeID)
		json.NewEncoder(w).Encode(VerifyResult{Success: true, Verdict: VerdictPass, Message: "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	res, err := c.VerifyChallenge(context.Background(), VerifyRequest{
		ChallengeID:   "c9",
		ChallengeType: ChallengeSmile,
		TimingSeconds: 2.1,
		LivenessScore: 0.9,
		FaceEmbedding: make([]float64, vision.EmbeddingDim),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, VerdictPass, res.Verdict)
}

func TestVerifyChallengeRejectsShortEmbeddingLocally(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "tok")
	_, err := c.VerifyChallenge(context.Background(), VerifyRequest{
		ChallengeID:   "c1",
		FaceEmbedding: make([]float64, 12),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "dimensions")
}
