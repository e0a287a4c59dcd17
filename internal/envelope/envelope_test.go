package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/internal/envelope"
	"hop-rpc/message"
)

func TestEditInPlace(t *testing.T) {
	req, err := message.NewNetworkRequestWithValue("x", "")
	require.NoError(t, err)

	ed := envelope.Edit(req).Set("target", "node-b").Set("hops", "1")
	assert.Equal(t, "node-b", ed.Get("target"))
	assert.Equal(t, "node-b", req.MetadataValue("target"))

	copied := req.Metadata()
	copied["target"] = "node-z"
	assert.Equal(t, "node-b", req.MetadataValue("target"))

	envelope.Edit(req).Delete("hops")
	assert.Equal(t, "", req.MetadataValue("hops"))

	resp := message.NewNetworkResponse(nil, nil)
	envelope.Edit(resp).Set("failure-kind", "timeout")
	assert.Equal(t, "timeout", resp.MetadataValue("failure-kind"))
}

func TestEditRejectsOtherValues(t *testing.T) {
	assert.Panics(t, func() { envelope.Edit("not an envelope") })
}
