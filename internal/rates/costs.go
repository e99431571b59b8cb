package rates

// Fixed internal credit costs for non-text services. Pools store the
// finer-grained internal unit; these constants convert stored credits
// into user-facing units (number of images, presentations, seconds of
// video) at the presentation layer.
const (
	// ImageCost is the credit cost of one generated image.
	ImageCost = 5000

	// PresentationCost is the credit cost of one generated presentation.
	PresentationCost = 15000

	// VideoCostPerSecond is the credit cost of one second of generated video.
	VideoCostPerSecond = 1000

	// DefaultVideoDurationSec is the assumed clip length when converting
	// the video pool into a whole-video count.
	DefaultVideoDurationSec = 5
)
