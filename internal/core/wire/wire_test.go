package wire

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goOPRd/internal/core/status"
)

func TestPageTokenRoundTrip(t *testing.T) {
	in := PageToken{Skip: 40, AsOfUTC: 1_700_000_000_000}
	out, err := DecodePageToken(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodePageTokenRejectsGarbage(t *testing.T) {
	_, err := DecodePageToken("not base64!!")
	require.Equal(t, status.CodeBadRequest, status.CodeOf(err))

	_, err = DecodePageToken(base64.RawURLEncoding.EncodeToString([]byte("not json")))
	require.Equal(t, status.CodeBadRequest, status.CodeOf(err))

	_, err = DecodePageToken(base64.RawURLEncoding.EncodeToString([]byte(`{"skip":-1,"asOf":0}`)))
	require.Equal(t, status.CodeBadRequest, status.CodeOf(err))
}

func TestListPayloadFormat(t *testing.T) {
	require.Equal(t, FormatSnapshot, ListOffersPayload{}.Format())
	require.Equal(t, FormatDiff, ListOffersPayload{RequestedResultFormat: FormatDiff}.Format())

	start := int64(1_700_000_000_000)
	require.Equal(t, FormatDiff, ListOffersPayload{DiffStartTimestampUTC: &start}.Format())
}
