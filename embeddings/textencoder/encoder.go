package textencoder

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	tokenizers "github.com/amikos-tech/pure-tokenizers"

	"github.com/amikos-tech/pure-tensorflow/embeddings/internal/tfutil"
	"github.com/amikos-tech/pure-tensorflow/tf"
)

const (
	// DefaultSequenceLength matches the common sentence-transformer export
	// configuration.
	DefaultSequenceLength = 256
	// DefaultEmbeddingDimension is the all-MiniLM-L6-v2 embedding width.
	DefaultEmbeddingDimension = 384

	poolingDenominatorEpsilon = float32(1e-9)
	l2NormEpsilon             = float32(1e-12)
)

const (
	defaultInputIDsName      = "serving_default_input_ids"
	defaultAttentionMaskName = "serving_default_attention_mask"
	defaultOutputName        = "StatefulPartitionedCall:0"
	defaultServeTag          = "serve"
)

// Option customizes encoder initialization.
type Option func(*config) error

type config struct {
	sequenceLength       int
	embeddingDimension   int
	tokenizerLibraryPath string
	inputIDsName         string
	attentionMaskName    string
	outputName           string
	tags                 []string
	sessionConfig        []byte
}

func defaultConfig() config {
	return config{
		sequenceLength:     DefaultSequenceLength,
		embeddingDimension: DefaultEmbeddingDimension,
		inputIDsName:       defaultInputIDsName,
		attentionMaskName:  defaultAttentionMaskName,
		outputName:         defaultOutputName,
		tags:               []string{defaultServeTag},
	}
}

// WithSequenceLength sets truncation and fixed padding length.
func WithSequenceLength(length int) Option {
	return func(cfg *config) error {
		if length <= 0 {
			return fmt.Errorf("sequence length must be > 0, got %d", length)
		}
		cfg.sequenceLength = length
		return nil
	}
}

// WithEmbeddingDimension sets the hidden-state width of the exported model.
func WithEmbeddingDimension(dim int) Option {
	return func(cfg *config) error {
		if dim <= 0 {
			return fmt.Errorf("embedding dimension must be > 0, got %d", dim)
		}
		cfg.embeddingDimension = dim
		return nil
	}
}

// WithTokenizerLibraryPath sets the explicit pure-tokenizers shared library path.
func WithTokenizerLibraryPath(path string) Option {
	return func(cfg *config) error {
		if path == "" {
			return fmt.Errorf("tokenizer library path cannot be empty")
		}
		cfg.tokenizerLibraryPath = path
		return nil
	}
}

// WithFeedFetchNames overrides the SavedModel feed and fetch names. Names use
// the "op_name:index" form; a bare op name addresses output 0.
func WithFeedFetchNames(inputIDsName, attentionMaskName, outputName string) Option {
	return func(cfg *config) error {
		if inputIDsName == "" || attentionMaskName == "" || outputName == "" {
			return fmt.Errorf("feed/fetch names cannot be empty")
		}
		cfg.inputIDsName = inputIDsName
		cfg.attentionMaskName = attentionMaskName
		cfg.outputName = outputName
		return nil
	}
}

// WithTags selects the MetaGraphDef tags to load from the SavedModel.
func WithTags(tags ...string) Option {
	return func(cfg *config) error {
		if len(tags) == 0 {
			return fmt.Errorf("at least one tag is required")
		}
		for _, tag := range tags {
			if tag == "" {
				return fmt.Errorf("tags cannot be empty")
			}
		}
		cfg.tags = append([]string(nil), tags...)
		return nil
	}
}

// WithSessionConfig passes a serialized ConfigProto through to session
// creation.
func WithSessionConfig(configProto []byte) Option {
	return func(cfg *config) error {
		if len(configProto) == 0 {
			return fmt.Errorf("session config cannot be empty")
		}
		cfg.sessionConfig = append([]byte(nil), configProto...)
		return nil
	}
}

// Encoder embeds text into fixed-width vectors using a TensorFlow SavedModel
// transformer export: tokenize, run the encoder, masked mean pooling, L2
// normalization.
//
// The caller must initialize the runtime via tf.SetSharedLibraryPath and
// tf.InitializeEnvironment before calling NewEncoder.
type Encoder struct {
	sequenceLength     int
	embeddingDimension int

	tokenizer *tokenizers.Tokenizer
	model     *tf.SavedModel

	inputIDsFeed      tf.Output
	attentionMaskFeed tf.Output
	outputFetch       tf.Output

	runMu sync.Mutex
}

// NewEncoder loads a SavedModel export directory and a tokenizer.json file
// and returns an encoder ready for EmbedDocuments/EmbedQuery.
func NewEncoder(modelDir string, tokenizerPath string, opts ...Option) (_ *Encoder, err error) {
	if modelDir == "" {
		return nil, fmt.Errorf("model directory cannot be empty")
	}
	if tokenizerPath == "" {
		return nil, fmt.Errorf("tokenizer path cannot be empty")
	}
	if info, statErr := os.Stat(modelDir); statErr != nil {
		return nil, fmt.Errorf("model directory %q is not usable: %w", modelDir, statErr)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("model path %q is not a directory", modelDir)
	}
	if _, statErr := os.Stat(tokenizerPath); statErr != nil {
		return nil, fmt.Errorf("tokenizer path %q is not usable: %w", tokenizerPath, statErr)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	tokenizerOpts := []tokenizers.TokenizerOption{
		tokenizers.WithTruncation(
			uintptr(cfg.sequenceLength),
			tokenizers.TruncationDirectionRight,
			tokenizers.TruncationStrategyLongestFirst,
		),
		tokenizers.WithPadding(true, tokenizers.PaddingStrategy{
			Tag:       tokenizers.PaddingStrategyFixed,
			FixedSize: uintptr(cfg.sequenceLength),
		}),
	}
	if cfg.tokenizerLibraryPath != "" {
		tokenizerOpts = append(tokenizerOpts, tokenizers.WithLibraryPath(cfg.tokenizerLibraryPath))
	}

	tokenizer, err := tokenizers.FromFile(tokenizerPath, tokenizerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tokenizer.Close()
		}
	}()

	var sessionOptions *tf.SessionOptions
	if len(cfg.sessionConfig) > 0 {
		sessionOptions = &tf.SessionOptions{Config: cfg.sessionConfig}
	}

	model, err := tf.LoadSavedModel(modelDir, cfg.tags, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load SavedModel: %w", err)
	}
	defer func() {
		if err != nil {
			_ = model.Session.Close()
			_ = model.Graph.Destroy()
		}
	}()

	inputIDsFeed, err := resolveGraphOutput(model.Graph, cfg.inputIDsName)
	if err != nil {
		return nil, err
	}
	attentionMaskFeed, err := resolveGraphOutput(model.Graph, cfg.attentionMaskName)
	if err != nil {
		return nil, err
	}
	outputFetch, err := resolveGraphOutput(model.Graph, cfg.outputName)
	if err != nil {
		return nil, err
	}

	return &Encoder{
		sequenceLength:     cfg.sequenceLength,
		embeddingDimension: cfg.embeddingDimension,
		tokenizer:          tokenizer,
		model:              model,
		inputIDsFeed:       inputIDsFeed,
		attentionMaskFeed:  attentionMaskFeed,
		outputFetch:        outputFetch,
	}, nil
}

// resolveGraphOutput resolves an "op_name:index" reference against the loaded
// graph. A bare op name addresses output 0.
func resolveGraphOutput(graph *tf.Graph, name string) (tf.Output, error) {
	opName := name
	index := 0

	if colon := strings.LastIndex(name, ":"); colon >= 0 {
		parsed, err := strconv.Atoi(name[colon+1:])
		if err != nil || parsed < 0 {
			return tf.Output{}, fmt.Errorf("invalid output index in %q", name)
		}
		opName = name[:colon]
		index = parsed
	}
	if opName == "" {
		return tf.Output{}, fmt.Errorf("invalid output reference %q", name)
	}

	op := graph.Operation(opName)
	if op == nil {
		return tf.Output{}, fmt.Errorf("operation %q not found in SavedModel graph", opName)
	}
	if outputs := op.NumOutputs(); index >= outputs {
		return tf.Output{}, fmt.Errorf("operation %q has %d outputs, index %d requested", opName, outputs, index)
	}

	return op.Output(index), nil
}

// Close releases the session, graph and tokenizer.
func (e *Encoder) Close() error {
	if e == nil {
		return nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	var err error

	if e.model != nil {
		if closeErr := e.model.Session.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close session: %w", closeErr))
		}
		if destroyErr := e.model.Graph.Destroy(); destroyErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to destroy graph: %w", destroyErr))
		}
		e.model = nil
	}

	if e.tokenizer != nil {
		if closeErr := e.tokenizer.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		e.tokenizer = nil
	}

	return err
}

// EmbedDocuments embeds input documents into deterministic unit-length
// vectors.
func (e *Encoder) EmbedDocuments(documents []string) (_ [][]float32, err error) {
	if e == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if len(documents) == 0 {
		return [][]float32{}, nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.tokenizer == nil || e.model == nil {
		return nil, fmt.Errorf("encoder has been closed")
	}
	if !tf.IsInitialized() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized: call tf.SetSharedLibraryPath and tf.InitializeEnvironment first")
	}

	batchSize := len(documents)
	totalTokens := batchSize * e.sequenceLength
	inputIDs := make([]int64, totalTokens)
	attentionMask := make([]int64, totalTokens)

	if err := e.tokenizeInto(documents, inputIDs, attentionMask); err != nil {
		return nil, err
	}

	shape := tf.NewShape(int64(batchSize), int64(e.sequenceLength))
	inputIDsTensor, err := tf.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	attentionMaskTensor, err := tf.NewTensor(shape, attentionMask)
	if err != nil {
		_ = inputIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer func() {
		err = errors.Join(err, tfutil.DestroyAll(attentionMaskTensor, inputIDsTensor))
	}()

	results, err := e.model.Session.Run(
		map[tf.Output]*tf.Tensor{
			e.inputIDsFeed:      inputIDsTensor,
			e.attentionMaskFeed: attentionMaskTensor,
		},
		[]tf.Output{e.outputFetch},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}
	if len(results) != 1 {
		_ = destroyTensors(results)
		return nil, fmt.Errorf("unexpected fetch count: got %d, want 1", len(results))
	}
	defer func() {
		err = errors.Join(err, destroyTensors(results))
	}()

	lastHiddenState, err := tf.TensorData[float32](results[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder output: %w", err)
	}

	return meanPoolAndNormalize(
		lastHiddenState,
		attentionMask,
		batchSize,
		e.sequenceLength,
		e.embeddingDimension,
	)
}

// EmbedQuery embeds a single query string.
func (e *Encoder) EmbedQuery(query string) ([]float32, error) {
	embeddings, err := e.EmbedDocuments([]string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("unexpected embedding row count: got %d, want 1", len(embeddings))
	}
	return embeddings[0], nil
}

func destroyTensors(tensors []*tf.Tensor) error {
	resources := make([]tfutil.Destroyer, len(tensors))
	for i, tensor := range tensors {
		resources[i] = tensor
	}
	return tfutil.DestroyAll(resources...)
}

func (e *Encoder) tokenizeInto(documents []string, inputIDs []int64, attentionMask []int64) error {
	sequenceLength := e.sequenceLength
	totalTokens := len(documents) * sequenceLength

	if len(inputIDs) != totalTokens || len(attentionMask) != totalTokens {
		return fmt.Errorf(
			"token buffer length mismatch: got input_ids=%d attention_mask=%d, want %d",
			len(inputIDs),
			len(attentionMask),
			totalTokens,
		)
	}

	for i, document := range documents {
		encoding, err := e.tokenizer.Encode(
			document,
			tokenizers.WithAddSpecialTokens(),
			tokenizers.WithReturnAttentionMask(),
		)
		if err != nil {
			return fmt.Errorf("failed to tokenize document %d: %w", i, err)
		}
		if encoding == nil {
			return fmt.Errorf("failed to tokenize document %d: empty tokenizer result", i)
		}

		rowStart := i * sequenceLength
		rowEnd := rowStart + sequenceLength
		fillUint32AsInt64(inputIDs[rowStart:rowEnd], encoding.IDs)

		if len(encoding.AttentionMask) > 0 {
			fillUint32AsInt64(attentionMask[rowStart:rowEnd], encoding.AttentionMask)
		} else {
			deriveAttentionMask(attentionMask[rowStart:rowEnd], inputIDs[rowStart:rowEnd])
		}
	}

	return nil
}

func fillUint32AsInt64(dst []int64, src []uint32) {
	if len(dst) == 0 || len(src) == 0 {
		return
	}
	copyCount := len(dst)
	if len(src) < copyCount {
		copyCount = len(src)
	}
	for i := 0; i < copyCount; i++ {
		dst[i] = int64(src[i])
	}
}

func deriveAttentionMask(dst []int64, tokenIDs []int64) {
	for i := range dst {
		if tokenIDs[i] != 0 {
			dst[i] = 1
		}
	}
}

// meanPoolAndNormalize reduces [batch, seq, dim] hidden states to unit-length
// [batch, dim] vectors using attention-mask weighted mean pooling.
func meanPoolAndNormalize(lastHiddenState []float32, attentionMask []int64, batchSize int, sequenceLength int, embeddingDim int) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if sequenceLength <= 0 {
		return nil, fmt.Errorf("sequence length must be > 0, got %d", sequenceLength)
	}
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dim must be > 0, got %d", embeddingDim)
	}

	expectedMaskLen := batchSize * sequenceLength
	if len(attentionMask) != expectedMaskLen {
		return nil, fmt.Errorf("attention mask length mismatch: got %d, want %d", len(attentionMask), expectedMaskLen)
	}

	expectedHiddenLen := expectedMaskLen * embeddingDim
	if len(lastHiddenState) != expectedHiddenLen {
		return nil, fmt.Errorf("hidden state length mismatch: got %d, want %d", len(lastHiddenState), expectedHiddenLen)
	}

	embeddings := make([][]float32, batchSize)
	for row := 0; row < batchSize; row++ {
		embedding := make([]float32, embeddingDim)
		rowMaskOffset := row * sequenceLength

		denominator := float32(0)
		for tokenIndex := 0; tokenIndex < sequenceLength; tokenIndex++ {
			mask := attentionMask[rowMaskOffset+tokenIndex]
			if mask == 0 {
				continue
			}
			weight := float32(mask)
			denominator += weight

			hiddenOffset := (rowMaskOffset + tokenIndex) * embeddingDim
			for d := 0; d < embeddingDim; d++ {
				embedding[d] += lastHiddenState[hiddenOffset+d] * weight
			}
		}

		if denominator < poolingDenominatorEpsilon {
			denominator = poolingDenominatorEpsilon
		}
		invDenominator := float32(1.0) / denominator
		for d := 0; d < embeddingDim; d++ {
			embedding[d] *= invDenominator
		}

		normSquared := 0.0
		for _, value := range embedding {
			normSquared += float64(value * value)
		}
		norm := float32(math.Sqrt(normSquared))
		if norm < l2NormEpsilon {
			norm = l2NormEpsilon
		}
		invNorm := float32(1.0) / norm
		for d := 0; d < embeddingDim; d++ {
			embedding[d] *= invNorm
		}

		embeddings[row] = embedding
	}

	return embeddings, nil
}
