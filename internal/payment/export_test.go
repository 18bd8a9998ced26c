package payment

var ClassifyForTest = classify
