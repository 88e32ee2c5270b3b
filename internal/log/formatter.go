package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format renders one entry using the configured pattern. Supported verbs:
// %time, %level, %field, %msg, %caller, %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	out := f.pattern
	out = strings.Replace(out, "%time", entry.Time.Format(f.time), 1)
	out = strings.Replace(out, "%level", entry.Level.String(), 1)
	out = strings.Replace(out, "%field", joinFields(entry), 1)
	out = strings.Replace(out, "%msg", entry.Message, 1)
	out = strings.Replace(out, "%caller", caller(entry), 1)
	out = strings.Replace(out, "%n", "\n", 1)
	return []byte(out), nil
}

func caller(entry *logrus.Entry) string {
	if entry.HasCaller() {
		file := entry.Caller.File
		if i := strings.LastIndex(file, "/"); i >= 0 {
			file = file[i+1:]
		}
		return fmt.Sprintf("%s:%d", file, entry.Caller.Line)
	}
	_, file, line, ok := runtime.Caller(8)
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func joinFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	fields := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		fields = append(fields, key+"="+fmt.Sprint(val))
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}
