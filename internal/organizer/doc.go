// Package organizer finalizes completed downloads inside the library tree.
//
// Responsibilities, applied in order to the download destination:
//   - unpack zip and rar archives delivered alongside or instead of the media
//   - rename season episode files to the "Title - SxxEyy" convention
//   - normalize directory and file modes so the media server can read them
//   - record the surviving media files into the catalog
//
// Organization runs after a task reaches its terminal state, so a failure here
// never demotes a successful download; it is reported separately.
package organizer
