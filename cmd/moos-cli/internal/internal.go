package internal

import (
	"fmt"
	"strconv"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("moos-cli")

// Catch handles errors for moos-cli commands packages
func Catch(err error, msgs ...string) {
	if err != nil {
		if len(msgs) > 0 {
			log.Fatalln(append(msgs, err.Error()))
		} else {
			log.Fatalln(err)
		}
	}
}

// ParseValue returns v as a float64 when it parses as a number and
// forceString is false, as a string otherwise.
func ParseValue(v string, forceString bool) interface{} {
	if forceString {
		return v
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// ParseInterval parses a registration interval in seconds.
func ParseInterval(name, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	Catch(err, fmt.Sprintf("failed to parse <%s>:", name))
	return f
}
