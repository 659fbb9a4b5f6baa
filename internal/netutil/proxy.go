// Package netutil holds the small transport-level helpers shared by
// every network collaborator in WarpSign (the Portal Client and the
// timestamp-authority client the CMS signer uses), grounded on the
// teacher's internal/download.GetProxy.
package netutil

import (
	"net/http"
	"net/url"

	"github.com/apex/log"
	"golang.org/x/net/http/httpproxy"
)

// ProxyFunc returns an http.Transport.Proxy function honouring an
// explicit --proxy flag, falling back to the standard HTTP_PROXY /
// HTTPS_PROXY / NO_PROXY environment variables when proxy is empty.
func ProxyFunc(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
			return http.ProxyFromEnvironment
		}
		log.WithField("proxy", proxyURL).Debug("proxy set")
		return http.ProxyURL(proxyURL)
	}
	conf := httpproxy.FromEnvironment()
	if len(conf.HTTPProxy) > 0 || len(conf.HTTPSProxy) > 0 {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
		}).Debug("proxy set from environment")
	}
	return http.ProxyFromEnvironment
}
