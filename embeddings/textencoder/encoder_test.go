package textencoder

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amikos-tech/pure-tensorflow/tf"
)

func TestOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero sequence length", WithSequenceLength(0)},
		{"negative sequence length", WithSequenceLength(-1)},
		{"zero embedding dimension", WithEmbeddingDimension(0)},
		{"empty tokenizer library path", WithTokenizerLibraryPath("")},
		{"empty feed name", WithFeedFetchNames("", "mask", "out")},
		{"empty fetch name", WithFeedFetchNames("ids", "mask", "")},
		{"no tags", WithTags()},
		{"empty tag", WithTags("serve", "")},
		{"empty session config", WithSessionConfig(nil)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			assert.Error(t, tc.opt(&cfg))
		})
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, WithSequenceLength(128)(&cfg))
	require.NoError(t, WithEmbeddingDimension(768)(&cfg))
	require.NoError(t, WithFeedFetchNames("ids", "mask", "encoder/output:1")(&cfg))
	require.NoError(t, WithTags("serve", "gpu")(&cfg))
	require.NoError(t, WithSessionConfig([]byte{0x32, 0x02, 0x20, 0x01})(&cfg))

	assert.Equal(t, 128, cfg.sequenceLength)
	assert.Equal(t, 768, cfg.embeddingDimension)
	assert.Equal(t, "ids", cfg.inputIDsName)
	assert.Equal(t, "mask", cfg.attentionMaskName)
	assert.Equal(t, "encoder/output:1", cfg.outputName)
	assert.Equal(t, []string{"serve", "gpu"}, cfg.tags)
	assert.Equal(t, []byte{0x32, 0x02, 0x20, 0x01}, cfg.sessionConfig)
}

func TestNewEncoderPathValidation(t *testing.T) {
	_, err := NewEncoder("", "tokenizer.json")
	assert.ErrorContains(t, err, "model directory cannot be empty")

	_, err = NewEncoder("/some/model", "")
	assert.ErrorContains(t, err, "tokenizer path cannot be empty")

	_, err = NewEncoder("/nonexistent/model-dir", "/nonexistent/tokenizer.json")
	assert.ErrorContains(t, err, "is not usable")

	// A file where a directory is expected.
	file := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.WriteFile(file, []byte("not a dir"), 0o644))
	_, err = NewEncoder(file, file)
	assert.ErrorContains(t, err, "is not a directory")
}

func TestResolveGraphOutput(t *testing.T) {
	graph := &tf.Graph{} // destroyed graph: every lookup misses

	_, err := resolveGraphOutput(graph, "missing_op")
	assert.ErrorContains(t, err, "not found")

	_, err = resolveGraphOutput(graph, "op:notanumber")
	assert.ErrorContains(t, err, "invalid output index")

	_, err = resolveGraphOutput(graph, "op:-1")
	assert.ErrorContains(t, err, "invalid output index")

	_, err = resolveGraphOutput(graph, ":0")
	assert.ErrorContains(t, err, "invalid output reference")
}

func TestMeanPoolAndNormalizeSingleMaskedToken(t *testing.T) {
	embeddings, err := meanPoolAndNormalize(
		[]float32{1, 2, 3, 4},
		[]int64{1, 0},
		1,
		2,
		2,
	)
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	require.Len(t, embeddings[0], 2)

	// Only the first token counts: pooled = [1 2], normalized = [1 2]/sqrt(5).
	expected := []float32{0.4472136, 0.8944272}
	for i := range expected {
		assert.InDelta(t, expected[i], embeddings[0][i], 1e-6)
	}
}

func TestMeanPoolAndNormalizeAveragesTokens(t *testing.T) {
	// Two tokens, both masked in: pooled = ([2 0] + [0 2]) / 2 = [1 1].
	embeddings, err := meanPoolAndNormalize(
		[]float32{2, 0, 0, 2},
		[]int64{1, 1},
		1,
		2,
		2,
	)
	require.NoError(t, err)

	invSqrt2 := float32(1 / math.Sqrt2)
	assert.InDelta(t, invSqrt2, embeddings[0][0], 1e-6)
	assert.InDelta(t, invSqrt2, embeddings[0][1], 1e-6)
}

func TestMeanPoolAndNormalizeZeroMask(t *testing.T) {
	embeddings, err := meanPoolAndNormalize(
		[]float32{10, 20, 30, 40},
		[]int64{0, 0},
		1,
		2,
		2,
	)
	require.NoError(t, err)
	for _, value := range embeddings[0] {
		assert.Zero(t, value)
	}
}

func TestMeanPoolAndNormalizeUnitNorm(t *testing.T) {
	embeddings, err := meanPoolAndNormalize(
		[]float32{0.3, -1.2, 2.5, 0.7, 0.1, -0.4},
		[]int64{1, 1, 0},
		1,
		3,
		2,
	)
	require.NoError(t, err)

	normSquared := 0.0
	for _, value := range embeddings[0] {
		normSquared += float64(value) * float64(value)
	}
	assert.InDelta(t, 1.0, math.Sqrt(normSquared), 1e-6)
}

func TestMeanPoolAndNormalizeValidation(t *testing.T) {
	_, err := meanPoolAndNormalize([]float32{1, 2}, []int64{1, 1}, 1, 2, 2)
	assert.ErrorContains(t, err, "hidden state length mismatch")

	_, err = meanPoolAndNormalize([]float32{1, 2, 3, 4}, []int64{1}, 1, 2, 2)
	assert.ErrorContains(t, err, "attention mask length mismatch")

	_, err = meanPoolAndNormalize(nil, nil, 0, 2, 2)
	assert.ErrorContains(t, err, "batch size must be > 0")

	_, err = meanPoolAndNormalize(nil, nil, 1, 0, 2)
	assert.ErrorContains(t, err, "sequence length must be > 0")

	_, err = meanPoolAndNormalize(nil, nil, 1, 2, 0)
	assert.ErrorContains(t, err, "embedding dim must be > 0")
}

func TestDeriveAttentionMask(t *testing.T) {
	dst := make([]int64, 4)
	deriveAttentionMask(dst, []int64{101, 2023, 0, 0})
	assert.Equal(t, []int64{1, 1, 0, 0}, dst)
}

func TestFillUint32AsInt64(t *testing.T) {
	dst := make([]int64, 3)
	fillUint32AsInt64(dst, []uint32{1, 2, 3, 4, 5})
	assert.Equal(t, []int64{1, 2, 3}, dst)

	short := make([]int64, 4)
	fillUint32AsInt64(short, []uint32{7, 8})
	assert.Equal(t, []int64{7, 8, 0, 0}, short)

	fillUint32AsInt64(nil, []uint32{1})
	fillUint32AsInt64(dst, nil) // no-op, keeps previous values
	assert.Equal(t, []int64{1, 2, 3}, dst)
}

func TestEmbedDocumentsOnNilOrEmpty(t *testing.T) {
	var encoder *Encoder
	_, err := encoder.EmbedDocuments([]string{"text"})
	assert.ErrorContains(t, err, "encoder is nil")

	closed := &Encoder{}
	embeddings, err := closed.EmbedDocuments(nil)
	require.NoError(t, err)
	assert.Empty(t, embeddings)

	_, err = closed.EmbedDocuments([]string{"text"})
	assert.ErrorContains(t, err, "encoder has been closed")
}

func TestCloseIsIdempotent(t *testing.T) {
	var encoder *Encoder
	assert.NoError(t, encoder.Close())

	closed := &Encoder{}
	assert.NoError(t, closed.Close())
	assert.NoError(t, closed.Close())
}
