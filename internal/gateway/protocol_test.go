package gateway

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func TestCompletedPayloadNormalisesResults(t *testing.T) {
	t.Parallel()

	single := CompletedPayload{TaskID: "t1", Result: json.RawMessage(`{"productUrl":"https://shop.example.com/a","price":3.5}`)}
	results, err := single.results()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 3.5, *results[0].Price)
	require.JSONEq(t, `{"productUrl":"https://shop.example.com/a","price":3.5}`, string(results[0].Raw))

	list := CompletedPayload{TaskID: "t1", Results: []json.RawMessage{
		json.RawMessage(`{"productUrl":"https://shop.example.com/a"}`),
		json.RawMessage(`{"productUrl":"https://shop.example.com/b"}`),
	}, Result: json.RawMessage(`{"productUrl":"https://ignored.example.com"}`)}
	results, err = list.results()
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "https://shop.example.com/b", results[1].ProductURL)

	empty := CompletedPayload{TaskID: "t1", Result: json.RawMessage(`null`)}
	results, err = empty.results()
	require.NoError(t, err)
	require.Empty(t, results)

	for _, bad := range []CompletedPayload{
		{},
		{TaskID: "t1", Result: json.RawMessage(`{"productUrl":"/relative"}`)},
		{TaskID: "t1", Results: []json.RawMessage{json.RawMessage(`[1,2]`)}},
	} {
		_, err := bad.results()
		require.ErrorIs(t, err, fleet.ErrValidation)
	}
}

func TestStatusFromHeartbeat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]fleet.WorkerStatus{
		"idle":    fleet.WorkerConnected,
		"busy":    fleet.WorkerBusy,
		"BLOCKED": fleet.WorkerBlocked,
	} {
		got, err := statusFromHeartbeat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := statusFromHeartbeat("connected")
	require.ErrorIs(t, err, fleet.ErrValidation)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, CodeValidation, errorCode(fmt.Errorf("x: %w", fleet.ErrValidation)))
	require.Equal(t, CodeNotFound, errorCode(fmt.Errorf("x: %w", fleet.ErrNotFound)))
	require.Equal(t, CodeConflict, errorCode(fmt.Errorf("x: %w", fleet.ErrInvalidTransition)))
	require.Equal(t, CodePersistence, errorCode(fmt.Errorf("connection refused")))
}

func TestFailedPayloadValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, FailedPayload{TaskID: "t1", Error: FailurePayload{Type: "CAPTCHA"}}.validate())
	require.ErrorIs(t, FailedPayload{Error: FailurePayload{Type: "CAPTCHA"}}.validate(), fleet.ErrValidation)
	require.ErrorIs(t, StartedPayload{TaskID: "t1"}.validate(), fleet.ErrValidation)
}

func ExampleEnvelope() {
	msg, _ := encode(EventError, ErrorMessage{Code: CodeRateLimited, Message: "slow down"})
	var env Envelope
	_ = json.Unmarshal(msg, &env)
	fmt.Println(env.Event)
	// Output: error
}
