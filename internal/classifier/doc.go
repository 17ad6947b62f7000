// Package classifier turns practice page text into a tri-state acceptance
// verdict using an ordered, versioned rule table. Classification is pure and
// deterministic: the same input always yields the same verdict and the
// classifier never returns an error.
package classifier
