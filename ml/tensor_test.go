package ml

import (
	"testing"

	"go.viam.com/test"
)

func TestZerosFullClone(t *testing.T) {
	z := Zeros(2, 3)
	test.That(t, len(Data(z)), test.ShouldEqual, 6)
	test.That(t, Data(z)[0], test.ShouldEqual, float32(0))

	f := Full(2.5, 2, 2)
	for _, v := range Data(f) {
		test.That(t, v, test.ShouldEqual, float32(2.5))
	}

	c := Clone(f)
	Data(c)[0] = -1
	test.That(t, Data(f)[0], test.ShouldEqual, float32(2.5))

	d := Detach(f)
	Data(d)[0] = -1
	test.That(t, Data(f)[0], test.ShouldEqual, float32(2.5))
}

func TestDims4(t *testing.T) {
	b, c, h, w, err := Dims4(Zeros(1, 2, 3, 4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldEqual, 1)
	test.That(t, c, test.ShouldEqual, 2)
	test.That(t, h, test.ShouldEqual, 3)
	test.That(t, w, test.ShouldEqual, 4)

	_, _, _, _, err = Dims4(Zeros(2, 3))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestChannelMean(t *testing.T) {
	in := Zeros(1, 3, 1, 2)
	data := Data(in)
	// pixel 0 channels: 1,2,3; pixel 1 channels: 4,5,6
	data[0], data[2], data[4] = 1, 2, 3
	data[1], data[3], data[5] = 4, 5, 6
	out, err := ChannelMean(in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape()[1], test.ShouldEqual, 1)
	test.That(t, Data(out)[0], test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, Data(out)[1], test.ShouldAlmostEqual, 5, 1e-6)
}

func TestClampMeanSum(t *testing.T) {
	in := Zeros(4)
	copy(Data(in), []float32{-1, 0.5, 2, 1})
	out := Clamp(in, 0, 1)
	test.That(t, Data(out), test.ShouldResemble, []float32{0, 0.5, 1, 1})
	test.That(t, Data(in)[0], test.ShouldEqual, float32(-1))

	test.That(t, Mean(out), test.ShouldAlmostEqual, 0.625)
	test.That(t, Sum(out), test.ShouldAlmostEqual, 2.5)
}

func TestAddAbsDiff(t *testing.T) {
	a := Full(2, 2, 2)
	b := Full(5, 2, 2)
	sum, err := Add(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, Data(sum)[0], test.ShouldEqual, float32(7))

	diff, err := AbsDiff(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, Data(diff)[0], test.ShouldEqual, float32(3))

	_, err = Add(a, Full(1, 3))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = AbsDiff(a, Full(1, 3))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMulBroadcast(t *testing.T) {
	a := Full(2, 1, 3, 2, 2)
	mask := Zeros(1, 1, 2, 2)
	Data(mask)[0] = 1
	Data(mask)[3] = 0.5

	out, err := Mul(a, mask)
	test.That(t, err, test.ShouldBeNil)
	// every channel sees the same single-channel mask
	for ci := 0; ci < 3; ci++ {
		plane := Data(out)[ci*4 : (ci+1)*4]
		test.That(t, plane[0], test.ShouldEqual, float32(2))
		test.That(t, plane[1], test.ShouldEqual, float32(0))
		test.That(t, plane[3], test.ShouldEqual, float32(1))
	}

	same, err := Mul(a, Full(0.5, 1, 3, 2, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, Data(same)[0], test.ShouldEqual, float32(1))

	_, err = Mul(a, Zeros(1, 2, 2, 2))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestToGray(t *testing.T) {
	in := Zeros(2, 3, 1, 2)
	data := Data(in)
	// item 1: pixel 0 all channels 1.0, pixel 1 all channels 0.5
	for ci := 0; ci < 3; ci++ {
		base := (3 + ci) * 2
		data[base] = 1
		data[base+1] = 0.5
	}
	img, err := ToGray(in, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.GrayAt(0, 0).Y, test.ShouldEqual, uint8(255))
	test.That(t, img.GrayAt(1, 0).Y, test.ShouldEqual, uint8(128))

	zero, err := ToGray(in, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, zero.GrayAt(0, 0).Y, test.ShouldEqual, uint8(0))

	_, err = ToGray(in, 2)
	test.That(t, err, test.ShouldNotBeNil)
}
