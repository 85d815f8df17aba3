package recording

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Control file names looked up in the control directory.
const (
	StartFile = "start-recording"
	StopFile  = "stop-recording"
)

// Evaluate returns the next recording state given the current one and the
// contents of dir. The stop file is only consulted while recording and the
// start file only while idle. A present stop file keeps recording off even
// if the start file also exists.
func Evaluate(dir string, on bool) bool {
	stop := exists(filepath.Join(dir, StopFile))
	if on {
		return !stop
	}
	return !stop && exists(filepath.Join(dir, StartFile))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Controller applies the control directory to a Switch.
type Controller struct {
	dir string
	sw  *Switch
}

// NewController binds dir to sw.
func NewController(dir string, sw *Switch) *Controller {
	return &Controller{dir: dir, sw: sw}
}

// Dir returns the control directory.
func (c *Controller) Dir() string {
	return c.dir
}

// Sync evaluates the control directory once and updates the switch.
func (c *Controller) Sync() {
	cur := c.sw.On()
	next := Evaluate(c.dir, cur)
	if next == cur {
		return
	}
	if c.sw.Set(next) {
		if next {
			log.Infof("recording started (%s)", filepath.Join(c.dir, StartFile))
		} else {
			log.Infof("recording stopped (%s)", filepath.Join(c.dir, StopFile))
		}
	}
}
