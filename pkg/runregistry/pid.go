package runregistry

import "os"

var pid = os.Getpid
