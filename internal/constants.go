package internal

import "time"

var FiveSeconds = 5 * time.Second
var TenSeconds = 10 * time.Second
