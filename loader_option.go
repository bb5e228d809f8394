package torch_loader

import (
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

type (
	_LoadOptions struct {
		Debug                  bool
		Logger                 *zerolog.Logger
		Metrics                *Metrics
		MetadataDecoder        MetadataDecoder
		VerifyShards           *bool
		StrictPadding          bool
		SkipWaitForCompression bool

		// Local.
		MMap            bool
		CachePath       string
		CacheExpiration time.Duration

		// Remote.
		ProxyURL                   *url.URL
		SkipProxy                  bool
		SkipTLSVerification        bool
		SkipDNSCache               bool
		BufferSize                 int
		BearerAuthToken            string
		SkipRangeDownloadDetection bool
	}
	LoadOption func(o *_LoadOptions)
)

// UseDebug uses debug mode,
// which logs every classified entry and dumps remote requests.
func UseDebug() LoadOption {
	return func(o *_LoadOptions) {
		o.Debug = true
	}
}

// UseLogger uses the given logger,
// default is a no-op logger.
func UseLogger(l zerolog.Logger) LoadOption {
	return func(o *_LoadOptions) {
		o.Logger = &l
	}
}

// UseMetrics records loading statistics into the given collectors.
func UseMetrics(m *Metrics) LoadOption {
	return func(o *_LoadOptions) {
		o.Metrics = m
	}
}

// UseMetadataDecoder replaces the pickle decoder of the metadata entry.
func UseMetadataDecoder(dec MetadataDecoder) LoadOption {
	return func(o *_LoadOptions) {
		o.MetadataDecoder = dec
	}
}

// UseShardVerification compares the replicated shards of UseFirst tensors,
// and fails with ErrShardDivergence if they differ.
//
// The default is on in builds with the "verify" tag.
func UseShardVerification() LoadOption {
	return func(o *_LoadOptions) {
		v := true
		o.VerifyShards = &v
	}
}

// SkipShardVerification trusts the replicated shards of UseFirst tensors.
func SkipShardVerification() LoadOption {
	return func(o *_LoadOptions) {
		v := false
		o.VerifyShards = &v
	}
}

// UseStrictPadding reads the gaps between padded tensors,
// and fails with ErrOverlapOrOutOfBounds if they are not zero-filled.
func UseStrictPadding() LoadOption {
	return func(o *_LoadOptions) {
		o.StrictPadding = true
	}
}

// SkipWaitForCompression returns without joining the background
// compression of the device.
func SkipWaitForCompression() LoadOption {
	return func(o *_LoadOptions) {
		o.SkipWaitForCompression = true
	}
}

// UseMMap uses mmap to read the local archives.
func UseMMap() LoadOption {
	return func(o *_LoadOptions) {
		o.MMap = true
	}
}

// UseMetadataCache caches the decoded metadata of local archives
// under the given directory, entries older than the expiration are ignored,
// zero means no expiration.
func UseMetadataCache(path string, expiration time.Duration) LoadOption {
	return func(o *_LoadOptions) {
		o.CachePath = path
		o.CacheExpiration = expiration
	}
}

// UseProxy uses the given url as a proxy when reading from a remote URL.
func UseProxy(url *url.URL) LoadOption {
	return func(o *_LoadOptions) {
		o.ProxyURL = url
	}
}

// SkipProxy skips the proxy when reading from a remote URL.
func SkipProxy() LoadOption {
	return func(o *_LoadOptions) {
		o.SkipProxy = true
	}
}

// SkipTLSVerification skips the TLS verification when reading from a remote URL.
func SkipTLSVerification() LoadOption {
	return func(o *_LoadOptions) {
		o.SkipTLSVerification = true
	}
}

// SkipDNSCache skips the DNS cache when reading from a remote URL.
func SkipDNSCache() LoadOption {
	return func(o *_LoadOptions) {
		o.SkipDNSCache = true
	}
}

// UseBufferSize sets the read-ahead buffer size when reading from a remote URL.
func UseBufferSize(size int) LoadOption {
	const minSize = 32 * 1024
	if size < minSize {
		size = minSize
	}
	return func(o *_LoadOptions) {
		o.BufferSize = size
	}
}

// UseBearerAuthToken uses the given token as a bearer auth when reading from a remote URL.
func UseBearerAuthToken(token string) LoadOption {
	return func(o *_LoadOptions) {
		o.BearerAuthToken = token
	}
}

// SkipRangeDownloadDetection skips the range download detection when reading from a remote URL.
func SkipRangeDownloadDetection() LoadOption {
	return func(o *_LoadOptions) {
		o.SkipRangeDownloadDetection = true
	}
}
