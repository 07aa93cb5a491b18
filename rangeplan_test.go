package xget

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_PlanRanges(t *testing.T) {
	Convey("When totalSize is unknown, the plan is a single open-ended range", t, func() {
		plan, err := planRanges(0, unknownSize, true, 5)
		So(err, ShouldBeNil)
		So(plan, ShouldHaveLength, 1)
		So(plan[0].Min, ShouldEqual, 0)
		So(plan[0].Open(), ShouldBeTrue)
	})

	Convey("When start exceeds totalSize, ErrRangeExceeded is returned", t, func() {
		_, err := planRanges(100, 50, true, 5)
		So(errors.Is(err, ErrRangeExceeded), ShouldBeTrue)
	})

	Convey("When start equals totalSize, the plan is empty but non-nil", t, func() {
		plan, err := planRanges(50, 50, true, 5)
		So(err, ShouldBeNil)
		So(plan, ShouldNotBeNil)
		So(plan, ShouldHaveLength, 0)
	})

	Convey("When the server doesn't accept ranges, the plan has exactly one segment", t, func() {
		plan, err := planRanges(0, 1000, false, 5)
		So(err, ShouldBeNil)
		So(plan, ShouldHaveLength, 1)
		So(plan[0].Min, ShouldEqual, 0)
		So(plan[0].Max, ShouldEqual, 999)
	})

	Convey("When the resource is smaller than the configured chunk count", t, func() {
		Convey("and smaller than 5 bytes, it collapses to a single segment", func() {
			plan, err := planRanges(0, 3, true, 10)
			So(err, ShouldBeNil)
			So(plan, ShouldHaveLength, 1)
		})

		Convey("and at least 5 bytes, it caps at 5 segments", func() {
			plan, err := planRanges(0, 7, true, 10)
			So(err, ShouldBeNil)
			So(plan, ShouldHaveLength, 5)
		})
	})

	Convey("A plan never has more segments than bytes to assign", t, func() {
		plan, err := planRanges(0, 2, true, 10)
		So(err, ShouldBeNil)
		So(len(plan), ShouldBeLessThanOrEqualTo, 2)
	})

	Convey("When chunks divide evenly, each segment is the same size", t, func() {
		plan, err := planRanges(0, 100, true, 5)
		So(err, ShouldBeNil)
		So(plan, ShouldHaveLength, 5)
		for _, r := range plan {
			So(r.Size(), ShouldEqual, 20)
		}
		So(plan[0].Min, ShouldEqual, 0)
		So(plan[len(plan)-1].Max, ShouldEqual, 99)
	})

	Convey("When chunks don't divide evenly, the last segment absorbs the remainder", t, func() {
		plan, err := planRanges(0, 103, true, 5)
		So(err, ShouldBeNil)
		So(plan, ShouldHaveLength, 5)

		var total int64
		for _, r := range plan {
			total += r.Size()
		}
		So(total, ShouldEqual, 103)
		So(plan[len(plan)-1].Max, ShouldEqual, 102)
	})

	Convey("A non-zero start offsets every segment boundary", t, func() {
		plan, err := planRanges(10, 30, true, 2)
		So(err, ShouldBeNil)
		So(plan, ShouldHaveLength, 2)
		So(plan[0].Min, ShouldEqual, 10)
		So(plan[len(plan)-1].Max, ShouldEqual, 29)
	})
}
