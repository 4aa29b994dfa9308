package cache

import "errors"

var ErrScanUnsupported = errors.New("cache: backend cannot list keys")
