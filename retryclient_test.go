package xget

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func Test_RetryClient(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a request works, RetryClient doesn't retry", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write([]byte("Woooo"))
		}))
		defer server.Close()

		rc := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		res, rerr := rc.Do(req)
		stop := time.Now()
		So(rerr, ShouldBeNil)
		So(res.StatusCode, ShouldEqual, http.StatusOK)
		So(stop, ShouldHappenWithin, 2*time.Millisecond, start)
	})

	Convey("When a request times out, RetryClient retries and then errors out", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			time.Sleep(1 * time.Second)
		}))
		defer server.Close()

		rc := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rc.Do(req)
		stop := time.Now()
		So(rerr, ShouldNotBeNil)
		So(stop, ShouldHappenWithin, ((3*2+1+1)*10)*time.Millisecond, start)
	})

	Convey("When a request returns a 403, RetryClient errors out immediately without burning its backoff", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		rc := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rc.Do(req)
		stop := time.Now()
		So(rerr, ShouldEqual, errStatusNope)
		So(stop, ShouldHappenWithin, 4*time.Millisecond, start)
	})
}

func Test_RetryClientExp(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a request times out, RetryClient retries exponentially and then errors out", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			time.Sleep(1 * time.Second)
		}))
		defer server.Close()

		rc := NewRetryClientWithExponentialBackoff(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rc.Do(req)
		stop := time.Now()
		So(rerr, ShouldNotBeNil)
		So(stop, ShouldHappenWithin, time.Duration(int64(math.Pow(10, 3)))*time.Millisecond, start)
	})
}

func Test_StandardDownload500s(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server throws 500s, RetryClient retries and then errors out", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		rc := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		_, rerr := rc.Do(req)
		So(rerr, ShouldNotBeNil)
	})
}
