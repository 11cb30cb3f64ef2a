package models

// Question is the free-text input to the pipeline plus its dense
// embedding, computed by the external embedding sidecar.
type Question struct {
	Text      string
	Embedding []float32
}
