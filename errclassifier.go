package readerloop

// ErrClassifier classifies errors into categorical strings for
// structured logging.
//
// Implementations map errors to short, descriptive labels (e.g.,
// "ETIMEDOUT", "EIO") that facilitate systematic analysis of device
// communication failures.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier is a no-op classifier that returns an empty string.
var DefaultErrClassifier = ErrClassifierFunc(func(error) string { return "" })
