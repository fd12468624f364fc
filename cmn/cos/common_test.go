/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cos_test

import (
	"testing"

	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/stretchr/testify/require"
)

func TestMustMarshal(t *testing.T) {
	type payload struct {
		Name    string       `json:"name"`
		Timeout cos.Duration `json:"timeout"`
	}
	b := cos.MustMarshal(payload{Name: "x", Timeout: cos.Duration(1500000000)})
	require.JSONEq(t, `{"name":"x","timeout":"1.5s"}`, string(b))
}

func TestDivCeil(t *testing.T) {
	require.EqualValues(t, 0, cos.DivCeil(0, 8))
	require.EqualValues(t, 1, cos.DivCeil(1, 8))
	require.EqualValues(t, 1, cos.DivCeil(8, 8))
	require.EqualValues(t, 2, cos.DivCeil(9, 8))
}
