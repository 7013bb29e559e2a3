package netLayer

import (
	"context"
	"net"
	"strings"

	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// GeoIPFilter 按对端ip所属国家过滤连接, 数据来自 maxmind 格式的 mmdb 文件.
type GeoIPFilter struct {
	db    *maxminddb.Reader
	deny  map[string]bool
	allow map[string]bool
}

// NewGeoIPFilter 打开 fn. 国家代码为 iso 3166 两字母, 大小写均可.
func NewGeoIPFilter(fn string, allow, deny []string) (*GeoIPFilter, error) {
	db, err := maxminddb.Open(fn)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "open geoip file failed", ErrDetail: err, Data: fn}
	}
	return newGeoIPFilter(db, allow, deny), nil
}

func newGeoIPFilter(db *maxminddb.Reader, allow, deny []string) *GeoIPFilter {
	toSet := func(list []string) map[string]bool {
		if len(list) == 0 {
			return nil
		}
		m := make(map[string]bool, len(list))
		for _, s := range list {
			m[strings.ToUpper(s)] = true
		}
		return m
	}
	return &GeoIPFilter{db: db, allow: toSet(allow), deny: toSet(deny)}
}

func (f *GeoIPFilter) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// GetIP_ISO 返回 iso 3166 字符串，大写，两字节; 查不到返回空.
func (f *GeoIPFilter) GetIP_ISO(ip net.IP) string {
	if f.db == nil || ip == nil {
		return ""
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := f.db.Lookup(ip, &record); err != nil {
		if ce := utils.CanLogErr("GetIP_ISO db.Lookup err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return ""
	}
	return record.Country.ISOCode
}

// Allowed 查不到国家的ip只受 allow 约束: allow 非空时拒绝.
func (f *GeoIPFilter) Allowed(ip net.IP) bool {
	iso := f.GetIP_ISO(ip)
	if iso != "" && f.deny[iso] {
		return false
	}
	if f.allow != nil {
		return iso != "" && f.allow[iso]
	}
	return true
}

func (f *GeoIPFilter) Layer(inner Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c net.Conn) (struct{}, error) {
		ip := PeerIP(ctx, c)
		if !f.Allowed(ip) {
			c.Close()
			if ce := utils.CanLogInfo("geoip filtered"); ce != nil {
				ce.Write(zap.Stringer("ip", ip), zap.String("country", f.GetIP_ISO(ip)))
			}
			return struct{}{}, ErrFiltered
		}
		return inner.Serve(ctx, c)
	})
}
