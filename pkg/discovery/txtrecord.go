package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devbus/devbus-go/pkg/model"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// ServerInfo describes an advertised server.
type ServerInfo struct {
	Version model.Version

	// BLOBURLs is set when the server serves BLOBs by URL.
	BLOBURLs bool
}

// EncodeServerTXT creates TXT records for a server advertisement.
func EncodeServerTXT(info ServerInfo) TXTRecordMap {
	txt := make(TXTRecordMap)
	txt[TXTKeyVersion] = info.Version.String()
	if info.BLOBURLs {
		txt[TXTKeyBLOB] = "url"
	}
	return txt
}

// DecodeServerTXT parses TXT records from a server advertisement. Servers
// that publish no version are assumed to speak the legacy protocol.
func DecodeServerTXT(txt TXTRecordMap) ServerInfo {
	return ServerInfo{
		Version:  model.ParseVersion(txt[TXTKeyVersion]),
		BLOBURLs: txt[TXTKeyBLOB] == "url",
	}
}

// TXTRecordsToStrings converts a TXTRecordMap to a sorted slice of
// "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}
