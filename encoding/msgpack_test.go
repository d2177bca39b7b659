package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"file_id": "f_000013049"})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))

	id, ok := decoded["file_id"].(string)
	require.True(t, ok, "expected string, got %T", decoded["file_id"])
	assert.Equal(t, "f_000013049", id)
}

func TestUnmarshal_StructTags(t *testing.T) {
	type entry struct {
		Seq  uint64 `msgpack:"seq"`
		Name string `msgpack:"name"`
	}

	data, err := Marshal(&entry{Seq: 7, Name: "invoice.pdf"})
	require.NoError(t, err)

	var loose map[string]interface{}
	require.NoError(t, Unmarshal(data, &loose))
	assert.Contains(t, loose, "seq")
	assert.Contains(t, loose, "name")
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				out, err := Marshal(map[string]interface{}{"worker": id, "iteration": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(out) == 0 {
					t.Error("expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}
