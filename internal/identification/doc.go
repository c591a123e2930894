// Package identification classifies user submissions against TMDB metadata.
//
// A Classification fixes three things at admission time: the library
// destination for the files, the display label shown to the user, and the
// group key the queue uses to aggregate related transfers. Season-scoped
// series submissions are marked grouped so the downloader fetches every
// message in the thread.
package identification
