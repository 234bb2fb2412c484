// Package engine models the browser automation engines able to carry out a
// blog-posting attempt. Each engine exposes the same capability contract
// regardless of the underlying technology; selection and fallback order are
// explicit policy held by the Selector. The concrete engines drive external
// automation scripts through a line-oriented JSON bridge so that the
// site-specific DOM steps stay outside the Go process.
package engine
