package httpx

type SeekerFileOption struct {
	bufSize                 int
	skipRangeDownloadDetect bool
}

func SeekerFileOptions() *SeekerFileOption {
	return &SeekerFileOption{
		bufSize: 4 * 1024 * 1024, // 4mb
	}
}

// WithBufferSize sets the size of the read-ahead buffer,
//
// Default is 4mb.
func (o *SeekerFileOption) WithBufferSize(bufSize int) *SeekerFileOption {
	if o == nil || bufSize <= 0 {
		return o
	}
	o.bufSize = bufSize
	return o
}

// WithoutRangeDownloadDetect disables range download detection.
//
// Usually, OpenSeekerFile sends a "HEAD" HTTP request to get the content size from the "Content-Length" header,
// and confirms range download support via the "Accept-Ranges" header.
// With this option, OpenSeekerFile sends a "GET" HTTP request to get the content size,
// and trusts the server to honor the "Range" header afterwards.
func (o *SeekerFileOption) WithoutRangeDownloadDetect() *SeekerFileOption {
	if o == nil {
		return o
	}
	o.skipRangeDownloadDetect = true
	return o
}

// If is a conditional option,
// which receives a boolean condition to trigger the given function or not.
func (o *SeekerFileOption) If(condition bool, then func(*SeekerFileOption) *SeekerFileOption) *SeekerFileOption {
	if condition {
		return then(o)
	}
	return o
}
