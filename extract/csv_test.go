package extract

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	data := []byte("Packet Size,Protocol Type,Label,Spectral Entropy,Note\n" +
		"120,tcp,1,0.85,ok\n" +
		"64,udp,0,,empty entropy\n")

	tbl, err := ParseCSV(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"packet_size", "protocol_type", "label", "spectral_entropy", "note"}, tbl.Columns())
	require.Equal(t, 2, tbl.Len())

	// int64, string, float64 and nil cells.
	assert.Equal(t, int64(120), tbl.Row(0)["packet_size"])
	assert.Equal(t, "tcp", tbl.Row(0)["protocol_type"])
	assert.Equal(t, 0.85, tbl.Row(0)["spectral_entropy"])
	assert.Nil(t, tbl.Row(1)["spectral_entropy"])
}

func TestParseCSV_Errors(t *testing.T) {
	_, err := ParseCSV(nil)
	assert.Error(t, err)

	_, err = ParseCSV([]byte(`a,"b`))
	assert.Error(t, err)
}

func TestFetchCSV(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("n\n1\n2\n3\n4\n5\n"))
	}))
	defer server.Close()

	client := NewClient(getTestConfig(), getTestLogger(&bytes.Buffer{}))

	tbl, err := client.FetchCSV(server.URL, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())

	tbl, err = client.FetchCSV(server.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, tbl.Len())
}
