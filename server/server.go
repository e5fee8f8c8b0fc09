// Package server contains misc server utilities.
package server

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// ReplyWithFile replies to the client request by serving the file named fn
// from the folder fldr.  Only the base of fn is used, so a request cannot
// escape fldr.
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	fn = filepath.Base(filepath.Clean("/" + fn))
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", fn)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		fstr := fmt.Sprintf("error retrieving source file stats %s", fn)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	// ServeContent sets the content type from the extension
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
