// Package crawler walks the upstream API region by region and page by page,
// yielding raw payload batches as lazy sequences. Pages within a region are
// requested strictly in order; a region ends on an empty page, on the
// configured page bound, or on the first page that fails after retries.
package crawler
