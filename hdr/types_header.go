/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

// Header name constants the Channel Core reads or writes: the
// persistence rule (§6), content-length accounting (§4.3) and the
// Date stamp applied at exchange creation (§3).
const (
	Connection    = "Connection"
	ContentLength = "Content-Length"
	Date          = "Date"

	TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)
