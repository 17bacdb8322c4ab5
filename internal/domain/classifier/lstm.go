package classifier

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LSTM is a long short-term memory layer with gates laid out as input,
// forget, cell, output along the kernel columns.
type LSTM struct {
	name      string
	in, units int
	returnSeq bool
	reverse   bool

	kernel    *Param // in x 4H
	recurrent *Param // H x 4H
	bias      *Param // 1 x 4H

	cache []*lstmStep
}

type lstmStep struct {
	t                int
	x, hPrev, cPrev  *mat.Dense
	i, f, g, o, c, h *mat.Dense
	tc               *mat.Dense
}

func newLSTM(name string, in, units int, returnSeq, reverse bool, rnd func() float64) *LSTM {
	l := &LSTM{
		name:      name,
		in:        in,
		units:     units,
		returnSeq: returnSeq,
		reverse:   reverse,
		kernel:    newParam(name+"/kernel", in, 4*units),
		recurrent: newParam(name+"/recurrent_kernel", units, 4*units),
		bias:      newParam(name+"/bias", 1, 4*units),
	}
	glorot(l.kernel.Value, in, 4*units, rnd)
	glorot(l.recurrent.Value, units, 4*units, rnd)
	bd := l.bias.Value.RawMatrix().Data
	for j := units; j < 2*units; j++ {
		bd[j] = 1
	}
	return l
}

func (l *LSTM) Name() string { return l.name }

func (l *LSTM) Kind() string {
	return fmt.Sprintf("LSTM(%d)", l.units)
}

func (l *LSTM) OutputDim() int   { return l.units }
func (l *LSTM) Sequential() bool { return l.returnSeq }

func (l *LSTM) Params() []*Param {
	return []*Param{l.kernel, l.recurrent, l.bias}
}

// Forward runs the recurrence over every step. The returned sequence is
// indexed by input time even when the layer runs in reverse.
func (l *LSTM) Forward(x Seq, train bool) Seq {
	steps := len(x)
	batch, _ := x[0].Dims()
	h := mat.NewDense(batch, l.units, nil)
	c := mat.NewDense(batch, l.units, nil)

	var out Seq
	if l.returnSeq {
		out = make(Seq, steps)
	}
	if train {
		l.cache = l.cache[:0]
	}
	for k := 0; k < steps; k++ {
		t := k
		if l.reverse {
			t = steps - 1 - k
		}
		s := l.step(x[t], h, c)
		s.t = t
		if train {
			l.cache = append(l.cache, s)
		}
		h, c = s.h, s.c
		if l.returnSeq {
			out[t] = h
		}
	}
	if !l.returnSeq {
		out = Seq{h}
	}
	return out
}

func (l *LSTM) step(x, hPrev, cPrev *mat.Dense) *lstmStep {
	batch, _ := x.Dims()
	H := l.units

	z := mat.NewDense(batch, 4*H, nil)
	z.Mul(x, l.kernel.Value)
	var rec mat.Dense
	rec.Mul(hPrev, l.recurrent.Value)
	z.Add(z, &rec)
	addBias(z, l.bias.Value)

	s := &lstmStep{
		x: x, hPrev: hPrev, cPrev: cPrev,
		i:  mat.NewDense(batch, H, nil),
		f:  mat.NewDense(batch, H, nil),
		g:  mat.NewDense(batch, H, nil),
		o:  mat.NewDense(batch, H, nil),
		c:  mat.NewDense(batch, H, nil),
		h:  mat.NewDense(batch, H, nil),
		tc: mat.NewDense(batch, H, nil),
	}
	zd := z.RawMatrix().Data
	cp := dataOf(cPrev)
	id, fd, gd, od := dataOf(s.i), dataOf(s.f), dataOf(s.g), dataOf(s.o)
	cd, hd, td := dataOf(s.c), dataOf(s.h), dataOf(s.tc)
	for b := 0; b < batch; b++ {
		row := zd[b*4*H : (b+1)*4*H]
		for j := 0; j < H; j++ {
			k := b*H + j
			ig := sigmoid(row[j])
			fg := sigmoid(row[H+j])
			gg := math.Tanh(row[2*H+j])
			og := sigmoid(row[3*H+j])
			cv := fg*cp[k] + ig*gg
			tv := math.Tanh(cv)
			id[k], fd[k], gd[k], od[k] = ig, fg, gg, og
			cd[k], td[k], hd[k] = cv, tv, og*tv
		}
	}
	return s
}

// Backward runs backpropagation through time over the cached steps.
func (l *LSTM) Backward(grad Seq) Seq {
	steps := len(l.cache)
	batch, _ := l.cache[0].h.Dims()
	H := l.units

	dx := make(Seq, steps)
	dhNext := make([]float64, batch*H)
	dcNext := make([]float64, batch*H)
	dz := mat.NewDense(batch, 4*H, nil)
	dzd := dz.RawMatrix().Data

	for k := steps - 1; k >= 0; k-- {
		s := l.cache[k]
		var up []float64
		switch {
		case l.returnSeq:
			up = dataOf(grad[s.t])
		case k == steps-1:
			up = dataOf(grad[0])
		}

		id, fd, gd, od := dataOf(s.i), dataOf(s.f), dataOf(s.g), dataOf(s.o)
		td, cp := dataOf(s.tc), dataOf(s.cPrev)
		for b := 0; b < batch; b++ {
			row := dzd[b*4*H : (b+1)*4*H]
			for j := 0; j < H; j++ {
				n := b*H + j
				dh := dhNext[n]
				if up != nil {
					dh += up[n]
				}
				ig, fg, gg, og, tv := id[n], fd[n], gd[n], od[n], td[n]
				do := dh * tv
				dc := dh*og*(1-tv*tv) + dcNext[n]
				dcNext[n] = dc * fg
				row[j] = dc * gg * ig * (1 - ig)
				row[H+j] = dc * cp[n] * fg * (1 - fg)
				row[2*H+j] = dc * ig * (1 - gg*gg)
				row[3*H+j] = do * og * (1 - og)
			}
		}

		var gk, gr mat.Dense
		gk.Mul(s.x.T(), dz)
		l.kernel.Grad.Add(l.kernel.Grad, &gk)
		gr.Mul(s.hPrev.T(), dz)
		l.recurrent.Grad.Add(l.recurrent.Grad, &gr)
		addColSums(l.bias.Grad, dz)

		d := mat.NewDense(batch, l.in, nil)
		d.Mul(dz, l.kernel.Value.T())
		dx[s.t] = d

		var dh mat.Dense
		dh.Mul(dz, l.recurrent.Value.T())
		copy(dhNext, dh.RawMatrix().Data)
	}
	return dx
}
